package strategies

import (
	"context"
	"sort"

	"github.com/clusterlens/decider/pkg/engine"
)

// BasicConsolidation empties the least loaded compute nodes by migrating
// their instances onto busier nodes with spare capacity, then disables the
// emptied nodes.
type BasicConsolidation struct {
	// MaxDrained caps the number of nodes drained per run. Zero means no cap.
	MaxDrained int
}

// NewBasicConsolidation returns the strategy with no drain cap.
func NewBasicConsolidation() *BasicConsolidation { return &BasicConsolidation{} }

func (b *BasicConsolidation) Name() string     { return "basic_consolidation" }
func (b *BasicConsolidation) GoalName() string { return "server_consolidation" }

// Weights implements engine.ActionWeigher. Migrations must precede the
// service state change that disables their source.
func (b *BasicConsolidation) Weights() map[string]int {
	return map[string]int{
		ActionMigrate:                60,
		ActionChangeNovaServiceState: 50,
	}
}

type nodeLoad struct {
	node     *engine.ComputeNode
	vcpus    int
	memoryMB int
	drained  bool
	received bool
}

func (n *nodeLoad) fits(inst *engine.Instance) bool {
	return n.vcpus+inst.VCPUs <= n.node.VCPUs && n.memoryMB+inst.MemoryMB <= n.node.MemoryMB
}

func (n *nodeLoad) ratio() float64 {
	if n.node.VCPUs == 0 {
		return 0
	}
	return float64(n.vcpus) / float64(n.node.VCPUs)
}

// Execute implements engine.StrategyPlugin.
func (b *BasicConsolidation) Execute(ctx context.Context, req engine.ExecuteRequest) ([]engine.ProposedAction, error) {
	if req.Model == nil {
		return nil, nil
	}

	loads := make([]*nodeLoad, 0, len(req.Model.ComputeNodes))
	byHost := make(map[string]*nodeLoad)
	for host, node := range req.Model.ComputeNodes {
		if node.Status != "enabled" || node.State != "up" {
			continue
		}
		l := &nodeLoad{node: node}
		for _, inst := range req.Model.InstancesOn(host) {
			l.vcpus += inst.VCPUs
			l.memoryMB += inst.MemoryMB
		}
		loads = append(loads, l)
		byHost[host] = l
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].ratio() != loads[j].ratio() {
			return loads[i].ratio() < loads[j].ratio()
		}
		return loads[i].node.Hostname < loads[j].node.Hostname
	})

	var actions []engine.ProposedAction
	drained := 0
	for _, src := range loads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req.Cancel.Cancelled() {
			return nil, engine.ErrCancelled
		}
		if b.MaxDrained > 0 && drained >= b.MaxDrained {
			break
		}
		if src.received {
			continue
		}

		moves, ok := b.plan(src, loads, req.Model)
		if !ok {
			continue
		}
		for _, m := range moves {
			dst := byHost[m.destination]
			dst.vcpus += m.instance.VCPUs
			dst.memoryMB += m.instance.MemoryMB
			dst.received = true
			actions = append(actions, engine.ProposedAction{
				ActionType: ActionMigrate,
				ResourceID: m.instance.UUID,
				InputParameters: map[string]interface{}{
					"migration_type":   "live",
					"source_node":      src.node.Hostname,
					"destination_node": m.destination,
					"resource_id":      m.instance.UUID,
				},
			})
		}
		src.vcpus, src.memoryMB, src.drained = 0, 0, true
		drained++
		actions = append(actions, engine.ProposedAction{
			ActionType: ActionChangeNovaServiceState,
			ResourceID: src.node.Hostname,
			InputParameters: map[string]interface{}{
				"state":           "disabled",
				"resource_id":     src.node.Hostname,
				"disabled_reason": "consolidated",
			},
		})
	}
	return actions, nil
}

type move struct {
	instance    *engine.Instance
	destination string
}

// plan finds a destination for every instance on src without mutating the
// loads. The busiest node that still fits is preferred.
func (b *BasicConsolidation) plan(src *nodeLoad, loads []*nodeLoad, model *engine.ClusterDataModel) ([]move, bool) {
	instances := model.InstancesOn(src.node.Hostname)
	if len(instances) == 0 {
		return nil, false
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].VCPUs != instances[j].VCPUs {
			return instances[i].VCPUs > instances[j].VCPUs
		}
		return instances[i].UUID < instances[j].UUID
	})

	extraCPU := make(map[string]int)
	extraMem := make(map[string]int)
	var moves []move
	for _, inst := range instances {
		var best *nodeLoad
		for _, dst := range loads {
			if dst == src || dst.drained {
				continue
			}
			trial := &nodeLoad{node: dst.node, vcpus: dst.vcpus + extraCPU[dst.node.Hostname], memoryMB: dst.memoryMB + extraMem[dst.node.Hostname]}
			if !trial.fits(inst) {
				continue
			}
			if best == nil || trial.ratio() > best.ratio() {
				best = trial
			}
		}
		if best == nil {
			return nil, false
		}
		extraCPU[best.node.Hostname] += inst.VCPUs
		extraMem[best.node.Hostname] += inst.MemoryMB
		moves = append(moves, move{instance: inst, destination: best.node.Hostname})
	}
	return moves, true
}
