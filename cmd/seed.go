package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localscope/prospector/internal/crawl"
	uuidgen "github.com/localscope/prospector/internal/id/uuid"
	"github.com/localscope/prospector/internal/store/postgres"
)

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Enqueue crawl targets from a CSV file",
		Long: `seed bulk-loads crawl targets into the target store. The CSV holds one
target per row as region,locality,category with an optional numeric
priority column; a header row is skipped. Rows that collide with a
target already in flight are ignored by the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets, err := readTargetCSV(file)
			if err != nil {
				return err
			}
			pool, err := connectDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store, err := postgres.NewTargetStore(pool, nil)
			if err != nil {
				return fmt.Errorf("build target store: %w", err)
			}
			if err := store.Enqueue(cmd.Context(), targets...); err != nil {
				return err
			}
			cmd.Printf("enqueued %d targets\n", len(targets))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file of targets to enqueue")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readTargetCSV(path string) ([]crawl.CrawlTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close()

	ids := uuidgen.New()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var targets []crawl.CrawlTarget
	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read targets file: %w", err)
		}
		row++
		if row == 1 && len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "region") {
			continue
		}
		target, err := parseTargetRow(record, ids)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, errors.New("csv contains no targets")
	}
	return targets, nil
}

func parseTargetRow(record []string, ids *uuidgen.Generator) (crawl.CrawlTarget, error) {
	if len(record) < 3 {
		return crawl.CrawlTarget{}, errors.New("expected region,locality,category[,priority]")
	}
	region := strings.TrimSpace(record[0])
	locality := strings.TrimSpace(record[1])
	category := strings.TrimSpace(record[2])
	if region == "" || locality == "" || category == "" {
		return crawl.CrawlTarget{}, errors.New("region, locality and category must not be empty")
	}
	priority := 0
	if len(record) > 3 && strings.TrimSpace(record[3]) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(record[3]))
		if err != nil {
			return crawl.CrawlTarget{}, fmt.Errorf("priority %q is not a number", record[3])
		}
		priority = n
	}
	id, err := ids.NewID()
	if err != nil {
		return crawl.CrawlTarget{}, err
	}
	return crawl.CrawlTarget{
		ID:       id,
		Region:   region,
		Locality: locality,
		Category: category,
		Priority: priority,
		Status:   crawl.TargetPending,
	}, nil
}
