package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/stores"
)

// importBatch is the number of documents inserted per call.
const importBatch = 500

func newImportCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import COLLECTION FILE",
		Short: "Load JSON-lines documents into a collection",
		Long: `Insert the documents of a JSON-lines file into a collection. Each line is a
flat JSON object; its "_id" member becomes the document id and a random id is
generated when it is missing. Use "-" to read standard input.`,
		Example: `  strata import tickets fixtures/tickets.jsonl
  cat tickets.jsonl | strata import tickets -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collection, path := args[0], args[1]

			if err := stores.ValidateField(collection); err != nil {
				return validationExit(fmt.Errorf("invalid collection name: %w", err))
			}

			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return validationExit(fmt.Errorf("failed to open %s: %w", path, err))
				}
				defer f.Close()
				in = f
			}

			env, err := openEnv(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			importer, ok := env.store.(stores.Importer)
			if !ok {
				return validationExit(fmt.Errorf("store %s does not support imports", env.cfg.Store))
			}

			n, err := importDocuments(ctx, importer, collection, in)
			if err != nil {
				return validationExit(err)
			}

			log.Info().Str("collection", collection).Int("documents", n).Msg("Import finished")
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"collection": collection, "imported": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d documents into %s\n", n, collection)
			return nil
		},
	}

	return cmd
}

// importDocuments decodes JSON lines from r and inserts them in batches.
func importDocuments(ctx context.Context, importer stores.Importer, collection string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	batch := make([]stores.Document, 0, importBatch)
	total, line := 0, 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := importer.Insert(ctx, collection, batch); err != nil {
			return fmt.Errorf("failed to insert documents: %w", err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, doc)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("failed to read documents: %w", err)
	}
	return total, flush()
}

func decodeDocument(raw []byte) (stores.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return stores.Document{}, fmt.Errorf("invalid JSON object: %w", err)
	}

	id := uuid.NewString()
	if v, ok := fields[stores.IDField]; ok {
		s, isString := v.(string)
		if !isString || s == "" {
			return stores.Document{}, fmt.Errorf("_id must be a non-empty string")
		}
		id = s
		delete(fields, stores.IDField)
	}

	for k, v := range fields {
		if err := stores.ValidateField(k); err != nil {
			return stores.Document{}, err
		}
		fields[k] = stores.NormalizeValue(v)
	}
	return stores.Document{ID: id, Fields: fields}, nil
}
