package verifier

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed lists/*.txt
var listFS embed.FS

// ListPaths points at override files. An empty path keeps the built-in list.
type ListPaths struct {
	Blacklist  string
	Disposable string
	Freemail   string
	Roles      string
}

// DomainLists holds the static membership sets used by the predicates.
// It is read-only once built and safe for concurrent use.
type DomainLists struct {
	blacklist  map[string]struct{}
	disposable map[string]struct{}
	freemail   map[string]struct{}
	roles      map[string]struct{}
}

// NewDomainLists builds lists from explicit entries. Entries are lower-cased.
func NewDomainLists(blacklist, disposable, freemail, roles []string) *DomainLists {
	return &DomainLists{
		blacklist:  toSet(blacklist),
		disposable: toSet(disposable),
		freemail:   toSet(freemail),
		roles:      toSet(roles),
	}
}

// DefaultDomainLists returns the lists compiled into the binary.
func DefaultDomainLists() *DomainLists {
	l, err := LoadDomainLists(ListPaths{})
	if err != nil {
		panic(err)
	}
	return l
}

// LoadDomainLists reads each list from its override path, or from the
// embedded defaults when the path is empty.
func LoadDomainLists(paths ListPaths) (*DomainLists, error) {
	var (
		l   DomainLists
		err error
	)
	if l.blacklist, err = loadList(paths.Blacklist, "lists/blacklist.txt"); err != nil {
		return nil, err
	}
	if l.disposable, err = loadList(paths.Disposable, "lists/disposable.txt"); err != nil {
		return nil, err
	}
	if l.freemail, err = loadList(paths.Freemail, "lists/freemail.txt"); err != nil {
		return nil, err
	}
	if l.roles, err = loadList(paths.Roles, "lists/roles.txt"); err != nil {
		return nil, err
	}
	return &l, nil
}

// Sizes reports the number of entries per list, for startup logging.
func (l *DomainLists) Sizes() map[string]int {
	return map[string]int{
		"blacklist":  len(l.blacklist),
		"disposable": len(l.disposable),
		"freemail":   len(l.freemail),
		"roles":      len(l.roles),
	}
}

func loadList(path, embedded string) (map[string]struct{}, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = listFS.ReadFile(embedded)
	}
	if err != nil {
		return nil, fmt.Errorf("load list %s: %w", firstNonEmpty(path, embedded), err)
	}
	entries, err := readEntries(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse list %s: %w", firstNonEmpty(path, embedded), err)
	}
	return toSet(entries), nil
}

func readEntries(r io.Reader) ([]string, error) {
	var entries []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, sc.Err()
}

func toSet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
