package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"sort"
	"strconv"
	"time"
)

// FileDescriptor is the catalog's metadata for one downloadable artifact.
// Ordinal is the catalog's publish sequence number; CurseForge file ids ascend
// with publish time, so the id doubles as the ordinal.
type FileDescriptor struct {
	ID           int64
	ProjectID    int64
	Ordinal      int64
	Published    time.Time
	GameVersions []string
	DownloadURL  string
	FileName     string
}

// Matches reports whether the file is flagged compatible with gameVersion.
func (d FileDescriptor) Matches(gameVersion string) bool {
	return slices.Contains(d.GameVersions, gameVersion)
}

// Project is the catalog's metadata for one addon.
type Project struct {
	ID   int64
	Name string
	Slug string
}

type curseProject struct {
	Id          int64
	Name        string
	Slug        string
	Attachments []struct {
		IsDefault bool
		Url       string
	}
}

type curseFile struct {
	Id          int64
	FileDate    string
	DownloadUrl string
	FileName    string
	GameVersion []string
}

func (f curseFile) descriptor(projectID int64) FileDescriptor {
	published, _ := time.Parse(time.RFC3339, f.FileDate)
	return FileDescriptor{
		ID:           f.Id,
		ProjectID:    projectID,
		Ordinal:      f.Id,
		Published:    published,
		GameVersions: f.GameVersion,
		DownloadURL:  f.DownloadUrl,
		FileName:     f.FileName,
	}
}

// ResolveProject turns a locator's slug or numeric id into project metadata.
// Unknown projects come back as ErrNotFound.
func (c *Client) ResolveProject(ctx context.Context, slugOrID string) (Project, error) {
	if _, err := strconv.ParseInt(slugOrID, 10, 64); err == nil {
		p, err := c.project(ctx, slugOrID)
		if err != nil {
			return Project{}, err
		}
		return Project{ID: p.Id, Name: p.Name, Slug: p.Slug}, nil
	}

	var hits []curseProject
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&hits).
		SetQueryParams(map[string]string{
			"gameId":       minecraftGameID,
			"searchFilter": slugOrID,
		}).
		Get(c.CurseBase + "/addon/search")
	if err != nil {
		return Project{}, fmt.Errorf("search project %q: %w", slugOrID, err)
	}
	if resp.IsError() {
		return Project{}, fmt.Errorf("search project %q: status %s", slugOrID, resp.Status())
	}
	for _, p := range hits {
		if p.Slug == slugOrID {
			return Project{ID: p.Id, Name: p.Name, Slug: p.Slug}, nil
		}
	}
	return Project{}, fmt.Errorf("project %q: %w", slugOrID, ErrNotFound)
}

func (c *Client) project(ctx context.Context, id string) (curseProject, error) {
	var p curseProject
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&p).
		Get(c.CurseBase + "/addon/" + id)
	if err != nil {
		return curseProject{}, fmt.Errorf("fetch project %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return curseProject{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if resp.IsError() {
		return curseProject{}, fmt.Errorf("fetch project %s: status %s", id, resp.Status())
	}
	return p, nil
}

// DescribeFile fetches metadata for one specific file of a project. A file the
// catalog has dropped comes back as ErrNotFound.
func (c *Client) DescribeFile(ctx context.Context, projectID, fileID int64) (FileDescriptor, error) {
	var f curseFile
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&f).
		Get(fmt.Sprintf("%s/addon/%d/file/%d", c.CurseBase, projectID, fileID))
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("describe file %d of project %d: %w", fileID, projectID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return FileDescriptor{}, fmt.Errorf("file %d of project %d: %w", fileID, projectID, ErrNotFound)
	}
	if resp.IsError() {
		return FileDescriptor{}, fmt.Errorf("describe file %d of project %d: status %s", fileID, projectID, resp.Status())
	}
	return f.descriptor(projectID), nil
}

// ListFiles returns every file the catalog still offers for a project,
// filtered to gameVersion when non-empty and ordered by publish ordinal
// ascending.
func (c *Client) ListFiles(ctx context.Context, projectID int64, gameVersion string) ([]FileDescriptor, error) {
	var files []curseFile
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&files).
		Get(fmt.Sprintf("%s/addon/%d/files", c.CurseBase, projectID))
	if err != nil {
		return nil, fmt.Errorf("list files of project %d: %w", projectID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("project %d: %w", projectID, ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list files of project %d: status %s", projectID, resp.Status())
	}

	out := make([]FileDescriptor, 0, len(files))
	for _, f := range files {
		d := f.descriptor(projectID)
		if gameVersion == "" || d.Matches(gameVersion) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// PackFile locates the modpack archive itself: the pinned file when the
// catalog still has it, the next file published after it when it disappeared,
// or the newest file when no id was pinned.
func (c *Client) PackFile(ctx context.Context, projectID, fileID int64) (FileDescriptor, error) {
	if fileID > 0 {
		d, err := c.DescribeFile(ctx, projectID, fileID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return FileDescriptor{}, err
		}
		c.log.Warn().Int64("project", projectID).Int64("file", fileID).
			Msg("pinned pack file is gone, taking the next published one")

		files, err := c.ListFiles(ctx, projectID, "")
		if err != nil {
			return FileDescriptor{}, err
		}
		for _, d := range files {
			if d.Ordinal > fileID {
				return d, nil
			}
		}
		return FileDescriptor{}, fmt.Errorf("no pack file of project %d published after %d: %w", projectID, fileID, ErrNotFound)
	}

	files, err := c.ListFiles(ctx, projectID, "")
	if err != nil {
		return FileDescriptor{}, err
	}
	if len(files) == 0 {
		return FileDescriptor{}, fmt.Errorf("project %d has no files: %w", projectID, ErrNotFound)
	}
	return files[len(files)-1], nil
}

// ProjectIcon downloads the project's default attachment image. The second
// return is a file extension suggestion taken from the attachment URL.
func (c *Client) ProjectIcon(ctx context.Context, projectID int64) ([]byte, string, error) {
	p, err := c.project(ctx, strconv.FormatInt(projectID, 10))
	if err != nil {
		return nil, "", err
	}
	url := ""
	for _, a := range p.Attachments {
		if a.IsDefault {
			url = a.Url
			break
		}
	}
	if url == "" {
		return nil, "", fmt.Errorf("project %d icon: %w", projectID, ErrNotFound)
	}

	resp, err := c.rest.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("fetch icon for project %d: %w", projectID, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch icon for project %d: status %s", projectID, resp.Status())
	}
	ext := path.Ext(url)
	if ext == "" {
		ext = ".png"
	}
	return resp.Body(), ext, nil
}
