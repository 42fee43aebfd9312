package sketch

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/michaelpopov/sketch/model"
)

// The metadata file is ASCII KEY=VALUE lines in the dataset directory.
const metadataFileName = "metadata"

func writeMetadataFile(path string, md model.Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file at %q: %w", path, err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "TYPE=%s\n", md.Type)
	fmt.Fprintf(w, "DIMENSION=%d\n", md.Dim)
	fmt.Fprintf(w, "NODES_COUNT=%d\n", md.NodesCount)
	fmt.Fprintf(w, "INDEX=%d\n", md.IndexID)
	fmt.Fprintf(w, "PQ=%d\n", md.PQCount)

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write metadata file at %q: %w", path, err)
	}
	return f.Close()
}

func readMetadataFile(path string) (model.Metadata, error) {
	var md model.Metadata

	f, err := os.Open(path)
	if err != nil {
		return md, fmt.Errorf("open metadata file at %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return md, fmt.Errorf("invalid line in metadata file %q: %s", path, line)
		}

		switch key {
		case "TYPE":
			md.Type, err = model.ParseElemType(value)
			if err != nil {
				return md, fmt.Errorf("metadata file %q: %w", path, err)
			}
		case "DIMENSION":
			md.Dim, err = strconv.Atoi(value)
		case "NODES_COUNT":
			md.NodesCount, err = strconv.Atoi(value)
		case "INDEX":
			md.IndexID, err = strconv.ParseUint(value, 10, 64)
		case "PQ":
			md.PQCount, err = strconv.Atoi(value)
		default:
			return md, fmt.Errorf("unknown key in metadata file %q: %s", path, key)
		}
		if err != nil {
			return md, fmt.Errorf("invalid %s value in metadata file %q: %w", key, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return md, fmt.Errorf("read metadata file at %q: %w", path, err)
	}

	if md.Dim <= 0 || md.NodesCount <= 0 {
		return md, fmt.Errorf("metadata file %q is incomplete", path)
	}
	return md, nil
}
