package devices

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Device is one camera unit known to the dashboard. A device with no
// live peer session is still listed; "offline" is a normal state.
type Device struct {
	ID        string  `yaml:"id" json:"id"`
	Name      string  `yaml:"name" json:"name"`
	Location  string  `yaml:"location" json:"location"`
	Latitude  float64 `yaml:"lat" json:"latitude"`
	Longitude float64 `yaml:"lon" json:"longitude"`
}

// Roster is the device table, loaded from a YAML file and hot-reloaded
// when the file changes.
type Roster struct {
	path string

	mu      sync.RWMutex
	byID    map[string]Device
	modTime time.Time

	// OnReload fires after a successful reload with the new device set.
	OnReload func([]Device)
}

func NewRoster(path string) *Roster {
	return &Roster{path: path, byID: make(map[string]Device)}
}

// Load reads the roster file. A file that parses but contains duplicate
// ids is rejected wholesale; the previous table stays in effect.
func (r *Roster) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}

	var doc struct {
		Devices []Device `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse roster: %w", err)
	}

	byID := make(map[string]Device, len(doc.Devices))
	for _, d := range doc.Devices {
		if d.ID == "" {
			return fmt.Errorf("roster: device with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return fmt.Errorf("roster: duplicate device id %q", d.ID)
		}
		byID[d.ID] = d
	}

	info, _ := os.Stat(r.path)

	r.mu.Lock()
	r.byID = byID
	if info != nil {
		r.modTime = info.ModTime()
	}
	hook := r.OnReload
	r.mu.Unlock()

	log.Printf("devices: roster loaded, %d devices", len(byID))
	if hook != nil {
		hook(r.List())
	}
	return nil
}

// Get returns one device by id.
func (r *Roster) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// List returns all devices sorted by id.
func (r *Roster) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all device ids sorted.
func (r *Roster) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, d := range list {
		ids[i] = d.ID
	}
	return ids
}

// StartWatcher reloads the roster when the file changes. Uses fsnotify
// with a polling fallback when the watch cannot be established.
func (r *Roster) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("devices: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(r.path); err != nil {
		log.Printf("devices: cannot watch %s (%v), falling back to polling", r.path, err)
		watcher.Close()
		usePolling = true
	}

	if usePolling {
		go r.pollLoop(ctx)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often write in two events; settle first.
					time.Sleep(100 * time.Millisecond)
					if err := r.Load(); err != nil {
						log.Printf("devices: reload failed, keeping previous roster: %v", err)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("devices: watcher error: %v", werr)
			}
		}
	}()
}

func (r *Roster) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(r.path)
			if err != nil {
				continue
			}
			r.mu.RLock()
			changed := info.ModTime().After(r.modTime)
			r.mu.RUnlock()
			if changed {
				if err := r.Load(); err != nil {
					log.Printf("devices: reload failed, keeping previous roster: %v", err)
				}
			}
		}
	}
}
