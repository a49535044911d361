package makers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
	"gopkg.in/yaml.v3"
)

// Source loads the configured makers
type Source interface {
	Load(ctx context.Context) ([]models.Maker, error)
}

type fileConfig struct {
	Makers []fileMaker `yaml:"makers"`
}

type fileMaker struct {
	ID        string      `yaml:"id"`
	URI       string      `yaml:"uri"`
	ChainID   int         `yaml:"chainId"`
	LastLook  bool        `yaml:"lastLook"`
	APIKey    string      `yaml:"apiKey"`
	TimeoutMs int         `yaml:"timeoutMs"`
	Pairs     [][2]string `yaml:"pairs"`
}

// FileSource reads makers from a YAML file:
//
//	makers:
//	  - id: maker-a
//	    uri: https://maker-a.example
//	    chainId: 137
//	    lastLook: true
//	    timeoutMs: 800
//	    pairs:
//	      - ["0x2791...", "0x0d50..."]
type FileSource struct {
	Path string
}

// Load reads and parses the file on every call so edits are picked up by refresh
func (s *FileSource) Load(_ context.Context) ([]models.Maker, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read maker config %s: %w", s.Path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a maker configuration document
func ParseYAML(data []byte) ([]models.Maker, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse maker config: %w", err)
	}

	makers := make([]models.Maker, 0, len(cfg.Makers))
	for i, m := range cfg.Makers {
		pairs := make([]string, 0, len(m.Pairs))
		for _, p := range m.Pairs {
			pairs = append(pairs, p[0]+"-"+p[1])
		}
		maker, err := newMaker(m.ID, m.URI, m.ChainID, m.LastLook, m.APIKey, m.TimeoutMs, pairs)
		if err != nil {
			return nil, fmt.Errorf("maker %d: %w", i, err)
		}
		makers = append(makers, maker)
	}
	return makers, nil
}

// DBSource reads makers from the rfq_makers table
type DBSource struct {
	DB *sqlx.DB
}

type makerRow struct {
	ID        string         `db:"maker_id"`
	URI       string         `db:"uri"`
	ChainID   int            `db:"chain_id"`
	LastLook  bool           `db:"last_look"`
	APIKey    string         `db:"api_key"`
	TimeoutMs int            `db:"timeout_ms"`
	Pairs     pq.StringArray `db:"pairs"`
}

// Load selects every maker row
func (s *DBSource) Load(ctx context.Context) ([]models.Maker, error) {
	var rows []makerRow
	err := s.DB.SelectContext(ctx, &rows,
		`SELECT maker_id, uri, chain_id, last_look, COALESCE(api_key, '') AS api_key,
			COALESCE(timeout_ms, 0) AS timeout_ms, pairs FROM rfq_makers ORDER BY maker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load makers: %w", err)
	}

	makers := make([]models.Maker, 0, len(rows))
	for _, r := range rows {
		maker, err := newMaker(r.ID, r.URI, r.ChainID, r.LastLook, r.APIKey, r.TimeoutMs, r.Pairs)
		if err != nil {
			return nil, err
		}
		makers = append(makers, maker)
	}
	return makers, nil
}

// newMaker validates a maker definition. Pairs are "tokenA-tokenB" strings.
// A zero timeoutMs keeps the default request timeout.
func newMaker(id, uri string, chainID int, lastLook bool, apiKey string, timeoutMs int, pairs []string) (models.Maker, error) {
	if id == "" {
		return models.Maker{}, fmt.Errorf("maker id is required")
	}
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return models.Maker{}, fmt.Errorf("maker %s: invalid uri %q", id, uri)
	}
	if chainID <= 0 {
		return models.Maker{}, fmt.Errorf("maker %s: chainId is required", id)
	}
	if timeoutMs < 0 {
		return models.Maker{}, fmt.Errorf("maker %s: negative timeoutMs %d", id, timeoutMs)
	}

	maker := models.Maker{
		ID:       id,
		URI:      strings.TrimRight(uri, "/"),
		ChainID:  chainID,
		LastLook: lastLook,
		APIKey:   apiKey,
		Timeout:  time.Duration(timeoutMs) * time.Millisecond,
	}
	for _, p := range pairs {
		tokens := strings.Split(p, "-")
		if len(tokens) != 2 || !common.IsHexAddress(tokens[0]) || !common.IsHexAddress(tokens[1]) {
			return models.Maker{}, fmt.Errorf("maker %s: invalid pair %q", id, p)
		}
		maker.Pairs = append(maker.Pairs, models.NewPair(common.HexToAddress(tokens[0]), common.HexToAddress(tokens[1])))
	}
	return maker, nil
}
