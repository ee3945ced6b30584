package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the timestamp embedded in every artifact and
// manifest filename.
const TimestampLayout = "20060102_150405"

// EncryptedSuffix marks artifacts wrapped by the encryption layer.
const EncryptedSuffix = ".enc"

type Component string

const (
	ComponentDatabase Component = "database"
	ComponentRedis    Component = "redis"
	ComponentFiles    Component = "files"
)

// Components lists every backup component in the order a full run
// processes them.
func Components() []Component {
	return []Component{ComponentDatabase, ComponentRedis, ComponentFiles}
}

func (c Component) Valid() bool {
	switch c {
	case ComponentDatabase, ComponentRedis, ComponentFiles:
		return true
	}
	return false
}

// Extension returns the final on-disk extension for a component's
// compressed artifact, before any encryption suffix.
func (c Component) Extension() string {
	switch c {
	case ComponentDatabase:
		return ".dump.gz"
	case ComponentRedis:
		return ".rdb.gz"
	case ComponentFiles:
		return ".tar.gz"
	}
	return ".backup.gz"
}

// Artifact is one backup file on disk together with the attributes the
// manifest records about it.
type Artifact struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Component  Component `json:"component"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	CreatedAt  time.Time `json:"created_at"`
}

// ArtifactName builds the canonical artifact filename:
// <app>_<component>_<timestamp><ext>[.enc].
func ArtifactName(app string, c Component, ts time.Time, encrypted bool) string {
	name := fmt.Sprintf("%s_%s_%s%s", app, c, ts.Format(TimestampLayout), c.Extension())
	if encrypted {
		name += EncryptedSuffix
	}
	return name
}

var timestampPattern = regexp.MustCompile(`(\d{8})_(\d{6})`)

// ExtractTimestamp parses the embedded timestamp out of an artifact or
// manifest filename.
func ExtractTimestamp(filename string) (time.Time, error) {
	matches := timestampPattern.FindStringSubmatch(filename)
	if len(matches) < 3 {
		return time.Time{}, fmt.Errorf("invalid filename format: no timestamp in %q", filename)
	}
	return time.Parse(TimestampLayout, matches[1]+"_"+matches[2])
}

// MatchesComponent reports whether filename follows the artifact naming
// pattern for the given app and component. The encryption suffix is
// accepted in either form.
func MatchesComponent(filename, app string, c Component) bool {
	name := strings.TrimSuffix(filename, EncryptedSuffix)
	if !strings.HasSuffix(name, c.Extension()) {
		return false
	}
	prefix := fmt.Sprintf("%s_%s_", app, c)
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	_, err := ExtractTimestamp(name)
	return err == nil
}
