// Package seed loads the tournament team list from a YAML file and upserts
// it into the store. Seeding is idempotent: teams are keyed by english name.
package seed

import (
	"context"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/grouppick/backend/internal/store"
)

// TeamUpserter is the store slice seeding needs.
type TeamUpserter interface {
	UpsertTeam(ctx context.Context, t *store.Team) error
}

type teamEntry struct {
	FaName  string `yaml:"faName"`
	EngName string `yaml:"engName"`
	Order   int    `yaml:"order"`
	Group   string `yaml:"group"`
	Flag    string `yaml:"flag"`
}

type seedFile struct {
	Teams []teamEntry `yaml:"teams"`
}

// LoadTeams parses the YAML seed file.
func LoadTeams(path string) ([]*store.Team, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if len(f.Teams) == 0 {
		return nil, fmt.Errorf("seed file %s holds no teams", path)
	}

	seen := map[string]bool{}
	teams := make([]*store.Team, 0, len(f.Teams))
	for i, e := range f.Teams {
		if e.EngName == "" || e.Group == "" {
			return nil, fmt.Errorf("seed entry %d: engName and group are required", i)
		}
		if seen[e.EngName] {
			return nil, fmt.Errorf("seed entry %d: duplicate team %q", i, e.EngName)
		}
		seen[e.EngName] = true
		teams = append(teams, &store.Team{
			LocalName:   e.FaName,
			EnglishName: e.EngName,
			Order:       e.Order,
			Group:       e.Group,
			Flag:        e.Flag,
		})
	}
	return teams, nil
}

// Apply upserts every team. Returns the number written.
func Apply(ctx context.Context, s TeamUpserter, teams []*store.Team) (int, error) {
	for i, t := range teams {
		if err := s.UpsertTeam(ctx, t); err != nil {
			return i, fmt.Errorf("seed team %q: %w", t.EnglishName, err)
		}
	}
	return len(teams), nil
}
