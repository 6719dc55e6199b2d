package engine

import (
	"encoding/json"
	"time"
)

// Goal is an immutable catalog entry naming an optimization objective.
type Goal struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Strategy is an immutable catalog entry for an algorithm targeting one goal.
type Strategy struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	// GoalID is the owning goal. A strategy belongs to exactly one goal.
	GoalID int64 `json:"goal_id"`
}

// AuditTemplate is a reusable preset binding a goal, an optional strategy and a scope.
type AuditTemplate struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GoalID      int64  `json:"goal_id"`

	// StrategyID is nil when the template leaves strategy selection to the goal.
	StrategyID *int64 `json:"strategy_id,omitempty"`

	// Scope is the normalized scope rule document.
	Scope json.RawMessage `json:"scope"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ResolvedRefs holds the catalog records a template resolved to at validation time.
type ResolvedRefs struct {
	Goal     Goal      `json:"goal"`
	Strategy *Strategy `json:"strategy,omitempty"`
}

// Audit records one execution request of an audit template.
type Audit struct {
	ID              int64           `json:"id"`
	UUID            string          `json:"uuid"`
	AuditTemplateID int64           `json:"audit_template_id"`
	GoalID          int64           `json:"goal_id"`
	StrategyID      *int64          `json:"strategy_id,omitempty"`
	State           AuditState      `json:"state"`
	Scope           json.RawMessage `json:"scope"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ActionPlan is the persisted output of one strategy execution.
type ActionPlan struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	AuditID        int64           `json:"audit_id"`
	StrategyID     int64           `json:"strategy_id"`
	State          ActionPlanState `json:"state"`
	GlobalEfficacy json.RawMessage `json:"global_efficacy,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Audit is populated only on eager reads.
	Audit *Audit `json:"audit,omitempty"`
}

// Action is one atomic remediation step inside an action plan.
type Action struct {
	ID              int64                  `json:"id"`
	UUID            string                 `json:"uuid"`
	ActionPlanID    int64                  `json:"action_plan_id"`
	ActionType      string                 `json:"action_type"`
	InputParameters map[string]interface{} `json:"input_parameters,omitempty"`
	State           ActionState            `json:"state"`

	// Parents lists uuids of actions in the same plan that must run first.
	Parents []string `json:"parents,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// ActionPlan is populated only on eager reads.
	ActionPlan *ActionPlan `json:"action_plan,omitempty"`
}

// ProposedAction is a single step emitted by a strategy, before persistence.
type ProposedAction struct {
	ActionType      string                 `json:"action_type"`
	InputParameters map[string]interface{} `json:"input_parameters,omitempty"`
	ResourceID      string                 `json:"resource_id,omitempty"`
}

// StatusEvent is broadcast on the status channel.
type StatusEvent struct {
	Type           EventType `json:"type"`
	PublisherID    string    `json:"publisher_id"`
	AuditUUID      string    `json:"audit_uuid"`
	TemplateUUID   string    `json:"audit_template_uuid,omitempty"`
	ActionPlanUUID string    `json:"action_plan_uuid,omitempty"`
	ActionCount    int       `json:"action_count,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ComputeNode is a hypervisor in the cluster data model.
type ComputeNode struct {
	UUID             string   `json:"uuid"`
	Hostname         string   `json:"hostname"`
	State            string   `json:"state"`
	Status           string   `json:"status"`
	VCPUs            int      `json:"vcpus"`
	MemoryMB         int      `json:"memory_mb"`
	DiskGB           int      `json:"disk_gb"`
	AvailabilityZone string   `json:"availability_zone,omitempty"`
	Aggregates       []string `json:"aggregates,omitempty"`
}

// Instance is a workload placed on a compute node.
type Instance struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	State     string `json:"state"`
	VCPUs     int    `json:"vcpus"`
	MemoryMB  int    `json:"memory_mb"`
	DiskGB    int    `json:"disk_gb"`
	ProjectID string `json:"project_id,omitempty"`
}

// ClusterDataModel is the snapshot a strategy reasons over.
// Nodes are keyed by hostname, instances by uuid.
type ClusterDataModel struct {
	ComputeNodes map[string]*ComputeNode `json:"compute_nodes"`
	Instances    map[string]*Instance    `json:"instances"`

	// Placement maps an instance uuid to the hostname it runs on.
	Placement   map[string]string `json:"placement"`
	CollectedAt time.Time         `json:"collected_at"`
}

// NewClusterDataModel returns an empty model.
func NewClusterDataModel() *ClusterDataModel {
	return &ClusterDataModel{
		ComputeNodes: make(map[string]*ComputeNode),
		Instances:    make(map[string]*Instance),
		Placement:    make(map[string]string),
		CollectedAt:  time.Now().UTC(),
	}
}

// AddNode inserts or replaces a compute node.
func (m *ClusterDataModel) AddNode(node *ComputeNode) {
	m.ComputeNodes[node.Hostname] = node
}

// Place records an instance on the named node.
func (m *ClusterDataModel) Place(instance *Instance, hostname string) {
	m.Instances[instance.UUID] = instance
	m.Placement[instance.UUID] = hostname
}

// RemoveNode drops a node and every instance placed on it.
func (m *ClusterDataModel) RemoveNode(hostname string) {
	delete(m.ComputeNodes, hostname)
	for id, host := range m.Placement {
		if host == hostname {
			delete(m.Placement, id)
			delete(m.Instances, id)
		}
	}
}

// RemoveInstance drops a single instance.
func (m *ClusterDataModel) RemoveInstance(id string) {
	delete(m.Instances, id)
	delete(m.Placement, id)
}

// InstancesOn returns the instances placed on hostname.
func (m *ClusterDataModel) InstancesOn(hostname string) []*Instance {
	var out []*Instance
	for id, host := range m.Placement {
		if host == hostname {
			if inst, ok := m.Instances[id]; ok {
				out = append(out, inst)
			}
		}
	}
	return out
}

// Merge copies nodes and instances from other into m.
func (m *ClusterDataModel) Merge(other *ClusterDataModel) {
	if other == nil {
		return
	}
	for host, node := range other.ComputeNodes {
		m.ComputeNodes[host] = node
	}
	for id, inst := range other.Instances {
		m.Instances[id] = inst
	}
	for id, host := range other.Placement {
		m.Placement[id] = host
	}
}
