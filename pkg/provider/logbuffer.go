package provider

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// LogBuffer keeps a bounded ring of provider-side lifecycle lines per
// container. It backs the logs endpoint before an actor has produced any
// output of its own and after the runtime has forgotten it.
type LogBuffer struct {
	mu    sync.Mutex
	max   int
	lines map[string][]string
}

// NewLogBuffer creates a buffer retaining up to max lines per container.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 256
	}
	return &LogBuffer{max: max, lines: make(map[string][]string)}
}

func bufferKey(uid types.UID, container string) string {
	return string(uid) + "/" + container
}

// Append records a line for a container, evicting the oldest past the cap.
func (b *LogBuffer) Append(uid types.UID, container, format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	key := bufferKey(uid, container)

	b.mu.Lock()
	defer b.mu.Unlock()
	lines := append(b.lines[key], line)
	if len(lines) > b.max {
		lines = lines[len(lines)-b.max:]
	}
	b.lines[key] = lines
}

// Lines returns the retained lines for a container, oldest first.
func (b *LogBuffer) Lines(uid types.UID, container string, tail int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines[bufferKey(uid, container)]
	if tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// Dump renders a container's retained lines as a single newline-terminated
// block, empty when nothing was recorded.
func (b *LogBuffer) Dump(uid types.UID, container string, tail int) string {
	lines := b.Lines(uid, container, tail)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Drop discards everything retained for a Pod.
func (b *LogBuffer) Drop(uid types.UID) {
	prefix := string(uid) + "/"
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.lines {
		if strings.HasPrefix(key, prefix) {
			delete(b.lines, key)
		}
	}
}
