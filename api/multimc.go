package api

import (
	"context"
	"fmt"
)

type metaIndex struct {
	Name     string
	Uid      string
	Versions []struct {
		Version string
	}
}

// KnownComponentVersion reports whether the MultiMC meta service publishes the
// given version of a launcher component, e.g. uid "net.minecraftforge". It
// exists so assembly can flag packs that name a Forge build the launcher will
// never be able to install.
func (c *Client) KnownComponentVersion(ctx context.Context, uid, version string) (bool, error) {
	var index metaIndex
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&index).
		Get(c.MetaBase + "/" + uid + "/index.json")
	if err != nil {
		return false, fmt.Errorf("meta index %s: %w", uid, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("meta index %s: status %s", uid, resp.Status())
	}

	for _, v := range index.Versions {
		if v.Version == version {
			return true, nil
		}
	}
	return false, nil
}
