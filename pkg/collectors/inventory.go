package collectors

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Inventory is a raw description of compute resources.
type Inventory struct {
	Aggregates []AggregateEntry `yaml:"aggregates" json:"aggregates"`
	Nodes      []NodeEntry      `yaml:"compute_nodes" json:"compute_nodes"`
	Instances  []InstanceEntry  `yaml:"instances" json:"instances"`
}

// AggregateEntry groups hosts.
type AggregateEntry struct {
	ID    int      `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Hosts []string `yaml:"hosts" json:"hosts"`
}

// NodeEntry describes one hypervisor.
type NodeEntry struct {
	UUID             string `yaml:"uuid" json:"uuid"`
	Hostname         string `yaml:"hostname" json:"hostname"`
	State            string `yaml:"state" json:"state"`
	Status           string `yaml:"status" json:"status"`
	VCPUs            int    `yaml:"vcpus" json:"vcpus"`
	MemoryMB         int    `yaml:"memory_mb" json:"memory_mb"`
	DiskGB           int    `yaml:"disk_gb" json:"disk_gb"`
	AvailabilityZone string `yaml:"availability_zone" json:"availability_zone"`
}

// InstanceEntry describes one workload and the host it runs on.
type InstanceEntry struct {
	UUID      string `yaml:"uuid" json:"uuid"`
	Name      string `yaml:"name" json:"name"`
	State     string `yaml:"state" json:"state"`
	Host      string `yaml:"host" json:"host"`
	VCPUs     int    `yaml:"vcpus" json:"vcpus"`
	MemoryMB  int    `yaml:"memory_mb" json:"memory_mb"`
	DiskGB    int    `yaml:"disk_gb" json:"disk_gb"`
	ProjectID string `yaml:"project_id" json:"project_id"`
}

// InventorySource yields the current inventory.
type InventorySource interface {
	Inventory(ctx context.Context) (*Inventory, error)
}

// FileInventory reads an inventory from a YAML or JSON file on every call.
type FileInventory struct {
	Path string
}

// Inventory implements InventorySource.
func (f FileInventory) Inventory(_ context.Context) (*Inventory, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", f.Path, err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", f.Path, err)
	}
	return &inv, nil
}

// StaticInventory serves a fixed inventory.
type StaticInventory struct {
	Inv Inventory
}

// Inventory implements InventorySource.
func (s StaticInventory) Inventory(_ context.Context) (*Inventory, error) {
	inv := s.Inv
	return &inv, nil
}
