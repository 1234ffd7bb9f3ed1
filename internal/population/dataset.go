package population

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// datasetSchema describes the dataset file. Tier arrays hold key objects;
// the invalid array may also hold bare identifier strings.
const datasetSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "metadata": {"type": "object"},
    "data": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": false,
      "patternProperties": {
        "^(hot|warm|cold|popular|unpopular)$": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["shortCode"],
            "properties": {
              "shortCode": {"type": "string", "minLength": 1},
              "originalUrl": {"type": "string"},
              "shortUrl": {"type": ["string", "null"]}
            }
          }
        },
        "^invalid$": {
          "type": "array",
          "items": {
            "oneOf": [
              {"type": "string", "minLength": 1},
              {"type": "object", "required": ["shortCode"]}
            ]
          }
        }
      }
    }
  }
}`

// DatasetMetadata is the header written alongside the keys.
type DatasetMetadata struct {
	CreatedAt    time.Time      `json:"createdAt"`
	TotalURLs    int            `json:"totalUrls"`
	Distribution map[string]int `json:"distribution"`
	Description  string         `json:"description,omitempty"`
}

type datasetEntry struct {
	ShortCode   string `json:"shortCode"`
	OriginalURL string `json:"originalUrl,omitempty"`
	ShortURL    string `json:"shortUrl,omitempty"`
}

type datasetFile struct {
	Metadata DatasetMetadata            `json:"metadata"`
	Data     map[Tier][]json.RawMessage `json:"data"`
}

// Loader reads a previously written dataset. It makes no network calls.
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader for path.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{path: path, logger: logger}
}

// Build reads, validates, and decodes the dataset file.
func (l *Loader) Build(ctx context.Context) (*Population, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("population: read dataset: %w", err)
	}
	pop, err := ParseDataset(raw)
	if err != nil {
		return nil, fmt.Errorf("population: %s: %w", l.path, err)
	}
	l.logger.Info("population loaded",
		zap.String("path", l.path),
		zap.Int("observed", pop.Size()),
		zap.String("composition", pop.String()))
	return pop, nil
}

// ParseDataset validates raw against the dataset schema and builds a
// population. Duplicate identifiers are an error.
func ParseDataset(raw []byte) (*Population, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(datasetSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("dataset schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid dataset: %s", strings.Join(msgs, "; "))
	}

	var file datasetFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	b := NewBuilder()
	for _, tier := range datasetOrder {
		for _, item := range file.Data[tier] {
			entry, err := decodeEntry(item)
			if err != nil {
				return nil, fmt.Errorf("decode %s entry: %w", tier, err)
			}
			rec := KeyRecord{
				Identifier: entry.ShortCode,
				Tier:       tier,
				SourceURL:  entry.OriginalURL,
				ShortURL:   entry.ShortURL,
			}
			if err := b.Add(rec); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

var datasetOrder = []Tier{TierHot, TierWarm, TierCold, TierPopular, TierUnpopular, TierInvalid}

func decodeEntry(item json.RawMessage) (datasetEntry, error) {
	var code string
	if err := json.Unmarshal(item, &code); err == nil {
		return datasetEntry{ShortCode: code}, nil
	}
	var entry datasetEntry
	err := json.Unmarshal(item, &entry)
	return entry, err
}

// WriteDataset writes pop in the format ParseDataset reads. Invalid
// identifiers are written as bare strings.
func WriteDataset(path string, pop *Population, description string) error {
	file := datasetFile{
		Metadata: DatasetMetadata{
			CreatedAt:    time.Now().UTC(),
			Distribution: make(map[string]int),
			Description:  description,
		},
		Data: make(map[Tier][]json.RawMessage),
	}
	for _, tier := range pop.Tiers() {
		recs := pop.Tier(tier)
		file.Metadata.Distribution[string(tier)] = len(recs)
		if tier != TierInvalid {
			file.Metadata.TotalURLs += len(recs)
		}
		items := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			var (
				item []byte
				err  error
			)
			if tier == TierInvalid {
				item, err = json.Marshal(rec.Identifier)
			} else {
				item, err = json.Marshal(datasetEntry{
					ShortCode:   rec.Identifier,
					OriginalURL: rec.SourceURL,
					ShortURL:    rec.ShortURL,
				})
			}
			if err != nil {
				return fmt.Errorf("encode %s: %w", rec.Identifier, err)
			}
			items = append(items, item)
		}
		file.Data[tier] = items
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return nil
}
