/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package commitlog

import (
	"context"
	"encoding/json"

	"github.com/launix-de/tabletserver/internal/dfs"
)

const linkManifestName = "linked.json"

// LinkLog records that sourceDir's fragments should be replayed ahead of
// dir's own, without copying or moving any fragment data (§4.7: linking a
// range's transfer log into the destination range's commit log). Linking
// the same source twice is a no-op, matching the idempotence a retried
// "acknowledge load" RPC needs (§4.10, testable property #6).
func LinkLog(ctx context.Context, client dfs.Client, dir, sourceDir string) error {
	links, err := ReadLinks(ctx, client, dir)
	if err != nil {
		return err
	}
	for _, existing := range links {
		if existing == sourceDir {
			return nil
		}
	}
	links = append(links, sourceDir)
	data, err := json.Marshal(links)
	if err != nil {
		return err
	}
	if err := client.Mkdirs(ctx, dir); err != nil {
		return err
	}
	return dfs.AtomicWriteFile(ctx, client, dir+"/"+linkManifestName, data)
}

// ReadLinks returns the source directories linked into dir, oldest first,
// or an empty slice if none have been linked yet.
func ReadLinks(ctx context.Context, client dfs.Client, dir string) ([]string, error) {
	data, err := dfs.ReadFile(ctx, client, dir+"/"+linkManifestName)
	if err != nil {
		if err == dfs.ErrNotExist {
			return nil, nil
		}
		return nil, nil // manifest absent or unreadable: treat as "no links yet"
	}
	var links []string
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, nil
	}
	return links, nil
}
