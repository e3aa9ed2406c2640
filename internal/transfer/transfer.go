package transfer

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Status is the lifecycle state of a Transfer.
type Status int

const (
	StatusQueued Status = iota
	StatusActive
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusStopped
)

var statusNames = map[Status]string{
	StatusQueued:    "queued",
	StatusActive:    "active",
	StatusPaused:    "paused",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusStopped:   "stopped",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminal reports whether the status frees the slot for good.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = status

			return nil
		}
	}

	return fmt.Errorf("unknown transfer status %q", string(text))
}

// Transfer is one logical file download, identified by URL and destination.
type Transfer struct {
	ID          string
	URL         string
	Destination string
	Headers     map[string]string
	Status      Status
	Progress    int
	Speed       float64 // bytes per second, most recent sample
}

// Request is what a caller hands to the scheduler to start a download.
type Request struct {
	URL             string
	Destination     string
	Headers         map[string]string
	InitialProgress int
}

// ID returns the identity the request will be tracked under.
func (r Request) ID() string {
	return NewID(r.URL, r.Destination)
}

// NewID derives the stable identity of a download. Re-adding the same URL to the
// same destination yields the same id.
func NewID(rawURL, destination string) string {
	hash := sha1.Sum([]byte(rawURL + "\x00" + filepath.Clean(destination)))

	return hex.EncodeToString(hash[:])
}

// FileName returns the last path element of the URL.
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}

	name := path.Base(u.Path)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}

	return name, nil
}

// DestinationFor computes the file path a URL is written to inside dir.
func DestinationFor(dir, rawURL string) (string, error) {
	name, err := FileName(rawURL)
	if err != nil {
		return "", err
	}

	return ResolveUnder(dir, name)
}

// ResolveUnder resolves p against dir and returns the absolute path. Relative paths
// are joined to dir. Paths that do not name a file strictly inside dir fail with
// an OutsideDirError.
func ResolveUnder(dir, p string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve download directory: %w", err)
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}

	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &OutsideDirError{Path: p, Dir: root}
	}

	return target, nil
}

// ParseLinks reads one URL per line, skipping blank lines.
func ParseLinks(r io.Reader) ([]string, error) {
	var links []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		link := strings.TrimSpace(scanner.Text())
		if link == "" {
			continue
		}

		links = append(links, link)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}

	return links, nil
}

// MergeHeaders returns a new map with overrides applied on top of base.
func MergeHeaders(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}

	for k, v := range overrides {
		merged[k] = v
	}

	return merged
}
