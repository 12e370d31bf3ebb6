package store

import (
	"encoding/json"
	"strings"
)

// migrate parses raw file bytes, applying forward schema migrations:
//
//	v1 → v2: session keys change from bare threadId to platformId:threadId;
//	         rows without a platformId get "default".
//	any:     legacy "timeoutPostId" field renames to "lifecyclePostId".
//
// Returns the parsed document and whether anything changed (so the caller
// rewrites the file).
func migrate(data []byte) (*Document, bool, error) {
	var raw struct {
		Version              int                        `json:"version"`
		Sessions             map[string]json.RawMessage `json:"sessions"`
		StickyPostIDs        map[string]string          `json:"stickyPostIds"`
		PlatformEnabledState map[string]bool            `json:"platformEnabledState"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}

	changed := false
	doc := newDocument()
	if raw.StickyPostIDs != nil {
		doc.StickyPostIDs = raw.StickyPostIDs
	}
	if raw.PlatformEnabledState != nil {
		doc.PlatformEnabledState = raw.PlatformEnabledState
	}

	for key, rawRow := range raw.Sessions {
		row := map[string]json.RawMessage{}
		if err := json.Unmarshal(rawRow, &row); err != nil {
			return nil, false, err
		}

		if legacy, ok := row["timeoutPostId"]; ok {
			if _, exists := row["lifecyclePostId"]; !exists {
				row["lifecyclePostId"] = legacy
			}
			delete(row, "timeoutPostId")
			changed = true
		}

		id := key
		if raw.Version < 2 && !strings.Contains(key, ":") {
			platformID := "default"
			if rawPlatform, ok := row["platformId"]; ok {
				var p string
				if err := json.Unmarshal(rawPlatform, &p); err == nil && p != "" {
					platformID = p
				}
			}
			id = platformID + ":" + key
			changed = true
		}

		normalized, err := json.Marshal(row)
		if err != nil {
			return nil, false, err
		}
		var snap Snapshot
		if err := json.Unmarshal(normalized, &snap); err != nil {
			return nil, false, err
		}
		if snap.SessionID == "" || snap.SessionID != id {
			snap.SessionID = id
		}
		if snap.PlatformID == "" || snap.ThreadID == "" {
			if platform, thread, ok := strings.Cut(id, ":"); ok {
				if snap.PlatformID == "" {
					snap.PlatformID = platform
				}
				if snap.ThreadID == "" {
					snap.ThreadID = thread
				}
				changed = true
			}
		}
		doc.Sessions[id] = &snap
	}

	if raw.Version != CurrentVersion {
		changed = true
	}
	doc.Version = CurrentVersion
	return doc, changed, nil
}
