// Package migrations embeds the ordered SQL steps for the shared platform tables and
// for every tenant namespace.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed platform/*.sql tenant/*.sql
var files embed.FS

type Migration struct {
	Version int
	Name    string
	SQL     string
}

func Platform() ([]Migration, error) {
	return load("platform")
}

func Tenant() ([]Migration, error) {
	return load("tenant")
}

// Latest is the highest version in set, or 0 for an empty set.
func Latest(set []Migration) int {
	if len(set) == 0 {
		return 0
	}
	return set[len(set)-1].Version
}

func load(dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(entries))
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m, err := parse(dir, e.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.Version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", m.Version, prev, e.Name())
		}
		seen[m.Version] = e.Name()
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parse(dir string, name string) (Migration, error) {
	base := strings.TrimSuffix(name, ".sql")
	prefix, label, ok := strings.Cut(base, "_")
	if !ok {
		return Migration{}, fmt.Errorf("migration %s: expected NNNN_name.sql", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return Migration{}, fmt.Errorf("migration %s: invalid version prefix", name)
	}
	body, err := files.ReadFile(path.Join(dir, name))
	if err != nil {
		return Migration{}, err
	}
	return Migration{Version: version, Name: label, SQL: string(body)}, nil
}
