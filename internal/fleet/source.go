package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postalsys/muster/internal/config"
)

// StaticSource serves a fixed node set from configuration.
type StaticSource struct {
	records []NodeRecord
}

// NewStaticSource builds a source from configured nodes.
func NewStaticSource(nodes []config.NodeConfig) *StaticSource {
	records := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, NodeRecord{
			Name:          n.Name,
			PublicAddr:    n.PublicAddr,
			PrivateAddr:   n.PrivateAddr,
			RelayScope:    n.RelayScope,
			RelayEligible: n.RelayEligible,
			State:         StateRunning,
			LastSeen:      time.Now(),
		})
	}
	return &StaticSource{records: records}
}

// Discover returns the configured node set.
func (s *StaticSource) Discover(ctx context.Context) ([]NodeRecord, error) {
	out := make([]NodeRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// inventoryNode is the wire format of one node in the HTTP inventory.
type inventoryNode struct {
	Name          string `json:"name"`
	PublicAddr    string `json:"public_addr"`
	PrivateAddr   string `json:"private_addr"`
	RelayScope    string `json:"relay_scope"`
	RelayEligible bool   `json:"relay_eligible"`
	State         string `json:"state"`
}

// HTTPSource fetches the fleet membership from a JSON inventory endpoint.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates an inventory source for the given URL.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Discover fetches and decodes the inventory.
func (s *HTTPSource) Discover(ctx context.Context) ([]NodeRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &DiscoveryError{Source: s.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Source: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{
			Source: s.url,
			Err:    fmt.Errorf("inventory returned status %d", resp.StatusCode),
		}
	}

	var nodes []inventoryNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, &DiscoveryError{Source: s.url, Err: fmt.Errorf("invalid inventory payload: %w", err)}
	}

	now := time.Now()
	records := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			continue
		}
		records = append(records, NodeRecord{
			Name:          n.Name,
			PublicAddr:    n.PublicAddr,
			PrivateAddr:   n.PrivateAddr,
			RelayScope:    n.RelayScope,
			RelayEligible: n.RelayEligible,
			State:         ParseState(n.State),
			LastSeen:      now,
		})
	}
	return records, nil
}
