package fileutils

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "packmule"
	keyringKey     = "launcher_dir"
)

// SaveLauncherDir remembers dir as the MultiMC root for later runs.
func SaveLauncherDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, keyringKey, abs); err != nil {
		return fmt.Errorf("remember launcher dir: %w", err)
	}
	return nil
}

// LauncherDir recalls the MultiMC root remembered by SaveLauncherDir.
func LauncherDir() (string, error) {
	dir, err := keyring.Get(keyringService, keyringKey)
	if err != nil {
		return "", fmt.Errorf("no launcher dir remembered, run init or pass --launcher-dir: %w", err)
	}
	return dir, nil
}

// ForgetLauncherDir drops the remembered MultiMC root.
func ForgetLauncherDir() error {
	err := keyring.Delete(keyringService, keyringKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
