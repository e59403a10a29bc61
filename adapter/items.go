package marketdata

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ParseItemList splits a comma separated RIC list, dropping blanks
func ParseItemList(s string) []string {
	return splitList(s)
}

// ReadItemsFile reads one RIC per line. Surrounding whitespace is stripped
// and blank lines are ignored.
func ReadItemsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("RIC file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to open RIC file: %w", err)
	}
	defer f.Close()

	var items []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if item := strings.TrimSpace(scanner.Text()); item != "" {
			items = append(items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read RIC file: %w", err)
	}
	return items, nil
}

// ReadDomainItemsFile reads "domain|RIC" lines where domain is a numeric
// domain code, e.g. "7|VOD.L". Lines that do not parse are skipped. The
// result is sorted by domain code, then RIC.
func ReadDomainItemsFile(path string) ([]DomainItem, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("multi domain RIC file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to open multi domain RIC file: %w", err)
	}
	defer f.Close()

	var entries []DomainItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if entry, ok := parseDomainItemLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read multi domain RIC file: %w", err)
	}

	SortDomainItems(entries)
	return entries, nil
}

// SortDomainItems orders entries by domain code, then RIC
func SortDomainItems(entries []DomainItem) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Domain.Code != entries[j].Domain.Code {
			return entries[i].Domain.Code < entries[j].Domain.Code
		}
		return entries[i].Item < entries[j].Item
	})
}

func parseDomainItemLine(line string) (DomainItem, bool) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return DomainItem{}, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return DomainItem{}, false
	}
	item := strings.TrimSpace(parts[1])
	if item == "" {
		return DomainItem{}, false
	}
	return DomainItem{Domain: DomainByCode(code), Item: item}, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
