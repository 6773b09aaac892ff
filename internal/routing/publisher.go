package routing

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/monitor"
	"labyrinth/internal/registry"
)

// Entry is one row of the published table.
type Entry struct {
	Cookie   string `json:"cookie"`
	Upstream string `json:"upstream"`
}

// mapTemplate renders the nginx map consumed by the traffic layer.
// The traffic layer matches on the session cookie value and falls
// through to the default upstream for unknown sessions.
var mapTemplate = template.Must(template.New("map").Parse(
	`# Generated by labyrinth. Do not edit; changes are overwritten on publish.
# Generated at {{.GeneratedAt}}
map $cookie_dlsess $trap_upstream {
    default {{.DefaultUpstream}};
{{- range .Entries}}
    {{.Cookie}} {{.Upstream}};
{{- end}}
}
`))

type templateData struct {
	GeneratedAt     string
	DefaultUpstream string
	Entries         []Entry
}

// Publisher owns the session-to-upstream table. It is the table's only
// writer; everyone else reads the published artifact. Writes are
// debounced so a burst of churn produces one reload on the traffic
// layer, and every publish lands atomically via rename.
type Publisher struct {
	config config.RoutingConfig
	logger *slog.Logger

	mu     sync.Mutex
	routes map[string]string

	dirtyCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewPublisher(cfg config.RoutingConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		config:  cfg,
		logger:  logger.With("component", "routing"),
		routes:  make(map[string]string),
		dirtyCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetRoute binds a session cookie to a unit upstream and schedules a
// publish.
func (p *Publisher) SetRoute(cookie, upstream string) {
	p.mu.Lock()
	p.routes[cookie] = upstream
	p.mu.Unlock()
	p.markDirty()
}

// RemoveRoute drops a session cookie from the table. Removing an absent
// route is a no-op.
func (p *Publisher) RemoveRoute(cookie string) {
	p.mu.Lock()
	_, existed := p.routes[cookie]
	delete(p.routes, cookie)
	p.mu.Unlock()
	if existed {
		p.markDirty()
	}
}

// Snapshot returns the current table sorted by cookie.
func (p *Publisher) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]Entry, 0, len(p.routes))
	for cookie, upstream := range p.routes {
		entries = append(entries, Entry{Cookie: cookie, Upstream: upstream})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Cookie < entries[j].Cookie })
	return entries
}

// DefaultUpstream is where the traffic layer sends sessions with no
// table entry.
func (p *Publisher) DefaultUpstream() string {
	return p.config.DefaultUpstream
}

func (p *Publisher) markDirty() {
	select {
	case p.dirtyCh <- struct{}{}:
	default:
	}
}

// Start runs the debounced publish loop. Blocks; call in a goroutine.
func (p *Publisher) Start() {
	defer close(p.doneCh)

	p.logger.Info("Routing publisher started",
		"map_path", p.config.MapPath,
		"debounce", p.config.DebounceWindow,
	)

	for {
		select {
		case <-p.stopCh:
			// Final publish so the artifact reflects the last state.
			if err := p.Publish(); err != nil {
				p.logger.Error("Final publish failed", "error", err)
			}
			p.logger.Info("Routing publisher stopped")
			return
		case <-p.dirtyCh:
			p.coalesce()
			if err := p.Publish(); err != nil {
				p.logger.Error("Publish failed", "error", err)
			}
		}
	}
}

// coalesce absorbs further changes for one debounce window so that a
// burst of churn becomes a single publish carrying the latest state.
func (p *Publisher) coalesce() {
	if p.config.DebounceWindow <= 0 {
		return
	}
	timer := time.NewTimer(p.config.DebounceWindow)
	defer timer.Stop()
	for {
		select {
		case <-p.dirtyCh:
		case <-timer.C:
			return
		case <-p.stopCh:
			return
		}
	}
}

func (p *Publisher) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

// WatchRegistry strips routes for units that stop being routable, so a
// recycled unit's route disappears before its replacement is published.
// Blocks; call in a goroutine.
func (p *Publisher) WatchRegistry(changes <-chan registry.StateChange) {
	for {
		select {
		case <-p.stopCh:
			return
		case change := <-changes:
			if change.Unit.Routable() || change.To == registry.StateDegraded {
				continue
			}
			p.removeUpstream(change.Unit.Address)
		}
	}
}

func (p *Publisher) removeUpstream(upstream string) {
	if upstream == "" {
		return
	}
	p.mu.Lock()
	removed := 0
	for cookie, u := range p.routes {
		if u == upstream {
			delete(p.routes, cookie)
			removed++
		}
	}
	p.mu.Unlock()

	if removed > 0 {
		p.logger.Info("Stripped routes for withdrawn unit", "upstream", upstream, "routes", removed)
		p.markDirty()
	}
}

// Publish renders the current table and swaps it into place atomically.
// Safe to call directly from the admin surface.
func (p *Publisher) Publish() error {
	entries := p.Snapshot()

	var buf strings.Builder
	err := mapTemplate.Execute(&buf, templateData{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		DefaultUpstream: p.config.DefaultUpstream,
		Entries:         entries,
	})
	if err != nil {
		monitor.RoutingPublishErrorsTotal.Inc()
		return fmt.Errorf("render routing map: %w", err)
	}

	content := buf.String()
	if err := validateMap(content); err != nil {
		monitor.RoutingPublishErrorsTotal.Inc()
		return fmt.Errorf("validate routing map: %w", err)
	}

	if err := p.writeAtomic(content); err != nil {
		monitor.RoutingPublishErrorsTotal.Inc()
		return err
	}

	monitor.RoutingPublishesTotal.Inc()
	monitor.RoutingEntries.Set(float64(len(entries)))
	p.logger.Info("Routing map published", "entries", len(entries), "path", p.config.MapPath)
	return nil
}

// writeAtomic writes to a temp file in the target directory and renames
// it over the map path, so the consumer never sees a half-written file.
func (p *Publisher) writeAtomic(content string) error {
	dir := filepath.Dir(p.config.MapPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create map directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".trap_upstream-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp map: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp map: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp map: %w", err)
	}

	if err := os.Rename(tmpPath, p.config.MapPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename map into place: %w", err)
	}
	return nil
}

// validateMap is a cheap sanity gate before the rename: the map block
// must open and close exactly once and carry a default line.
func validateMap(content string) error {
	opens := strings.Count(content, "{")
	closes := strings.Count(content, "}")
	if opens != 1 || closes != 1 {
		return fmt.Errorf("unbalanced braces: %d open, %d close", opens, closes)
	}
	if !strings.Contains(content, "default ") {
		return fmt.Errorf("missing default upstream line")
	}
	return nil
}

// ReadMapFile parses a published map back into entries. Used by the
// operational tooling to dump the live table and by round-trip checks.
func ReadMapFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing map: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(scanner.Text()), ";"))
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "map ") || line == "}" ||
			strings.HasPrefix(line, "default ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, Entry{Cookie: fields[0], Upstream: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read routing map: %w", err)
	}
	return entries, nil
}
