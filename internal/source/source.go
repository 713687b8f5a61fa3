// Package source loads harvest targets from operator-provided files.
package source

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leadsignal/harvester/internal/harvest"
)

// csvColumns is the required header set for CSV target files. Column order
// is free; extra columns are ignored.
var csvColumns = []string{"first_name", "last_name", "company_name", "profile_url"}

// Load reads a target file, dispatching on extension. ".csv" gets the
// column format; anything else is treated as one profile URL per line.
func Load(path string) ([]harvest.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return parseCSV(f)
	}
	return parseList(f)
}

func parseCSV(r io.Reader) ([]harvest.Target, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := map[string]int{}
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range csvColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", col)
		}
	}

	now := time.Now().UTC()
	var targets []harvest.Target
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		rawURL := strings.TrimSpace(row[index["profile_url"]])
		if rawURL == "" {
			continue
		}
		id, err := harvest.NormalizeURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad profile url %q: %w", line, rawURL, err)
		}
		targets = append(targets, harvest.Target{
			TargetID:   id,
			FirstName:  strings.TrimSpace(row[index["first_name"]]),
			LastName:   strings.TrimSpace(row[index["last_name"]]),
			Company:    strings.TrimSpace(row[index["company_name"]]),
			EnqueuedAt: now,
		})
	}
	return targets, nil
}

func parseList(r io.Reader) ([]harvest.Target, error) {
	now := time.Now().UTC()
	var targets []harvest.Target
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		id, err := harvest.NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad profile url %q: %w", line, raw, err)
		}
		targets = append(targets, harvest.Target{TargetID: id, EnqueuedAt: now})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan target file: %w", err)
	}
	return targets, nil
}
