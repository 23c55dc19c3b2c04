package api

import (
	"context"
	"fmt"
)

type mojangVersions struct {
	Latest struct {
		Release string
	}
	Versions []struct {
		Id   string
		Type string
	}
}

// KnownMinecraftVersion reports whether Mojang's launcher meta lists the game
// version. Packs occasionally carry a typoed version that otherwise surfaces
// as a confusing launcher error much later.
func (c *Client) KnownMinecraftVersion(ctx context.Context, version string) (bool, error) {
	var manifest mojangVersions
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&manifest).
		Get(c.MojangBase + "/mc/game/version_manifest_v2.json")
	if err != nil {
		return false, fmt.Errorf("mojang version manifest: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("mojang version manifest: status %s", resp.Status())
	}

	for _, v := range manifest.Versions {
		if v.Id == version {
			return true, nil
		}
	}
	return false, nil
}
