package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ecutools/canflash"
)

type NewAdapterFunc func(*canflash.AdapterConfig) (canflash.Adapter, error)

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                NewAdapterFunc
	Alias              []string
}

var (
	adaptersMu sync.Mutex
	adapters   = make(map[string]*AdapterInfo)
)

// Register adds an adapter to the registry. Called from init functions of the
// adapter implementations.
func Register(info *AdapterInfo) error {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	if _, found := adapters[info.Name]; found {
		return fmt.Errorf("adapter %q already registered", info.Name)
	}
	adapters[info.Name] = info
	return nil
}

func List() []string {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	var out []string
	for name := range adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func New(name string, cfg *canflash.AdapterConfig) (canflash.Adapter, error) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	normalized := strings.ToLower(name)
	for _, info := range adapters {
		if strings.ToLower(info.Name) == normalized {
			return info.New(cfg)
		}
		for _, alias := range info.Alias {
			if normalized == strings.ToLower(alias) {
				return info.New(cfg)
			}
		}
	}
	return nil, fmt.Errorf("unknown adapter %q", name)
}
