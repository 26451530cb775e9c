package syncinfo

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/utils"
)

const (
	FileName = "info.json"
	// LegacyVersion is assumed for targets that have no info.json.
	LegacyVersion = 1
)

type E2EE struct {
	Value       bool  `json:"value"`
	UpdatedTime int64 `json:"updatedTime"`
}

// Info is the content of info.json, the version marker of a sync target.
type Info struct {
	Version           int      `json:"version"`
	E2EE              E2EE     `json:"e2ee"`
	ActiveMasterKeyID string   `json:"activeMasterKeyId,omitempty"`
	MasterKeys        []string `json:"masterKeys,omitempty"`

	// Exists is false when the target had no info.json.
	Exists bool `json:"-"`
}

// Fetch reads info.json. A missing file means a legacy target.
func Fetch(ctx context.Context, api *fileapi.FileAPI) (*Info, error) {
	data, err := api.Get(ctx, FileName)
	if errors.Is(err, fileapi.ErrNotFound) {
		return &Info{Version: LegacyVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", FileName, err)
	}

	var info Info
	if err := utils.JSONUnmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if info.Version < LegacyVersion {
		return nil, fmt.Errorf("parse %s: invalid version %d", FileName, info.Version)
	}
	info.Exists = true
	return &info, nil
}

func Save(ctx context.Context, api *fileapi.FileAPI, info *Info) error {
	data, err := utils.JSONMarshalIndent(info)
	if err != nil {
		return err
	}
	if err := api.Put(ctx, FileName, data); err != nil {
		return fmt.Errorf("save %s: %w", FileName, err)
	}
	info.Exists = true
	return nil
}

// AddMasterKey records id once, keeping the list sorted.
func (i *Info) AddMasterKey(id string) bool {
	if slices.Contains(i.MasterKeys, id) {
		return false
	}
	i.MasterKeys = append(i.MasterKeys, id)
	slices.Sort(i.MasterKeys)
	return true
}
