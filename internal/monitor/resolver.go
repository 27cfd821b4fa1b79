package monitor

import (
	"fmt"
	"sort"

	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

// nodeAggregate tracks one resource node's running status across a pass.
// Results for already-processed nodes are mutated in place when a later
// node's lookups reveal a duplicate address with it; the caller must only
// publish after every node has been processed.
type nodeAggregate struct {
	node           *model.Node
	resourceNode   *model.ResourceNode
	status         status.NodeDnsStatus
	messages       []string
	firstAddresses []string
	firstSet       bool
}

// ResolveNodes runs the master and node aggregation algorithm over
// already-collected raw lookups and returns the resulting MasterDnsStatus,
// its messages, and one ResourceNodeDnsResult per resource node (enabled
// and disabled), in resourceNodes declaration order. It performs no I/O
// and is deterministic given its inputs and the supplied nameserver
// iteration order.
func ResolveNodes(
	resource model.Resource,
	masterLookups map[model.DnsName]model.RecordLookups,
	nodeLookups map[string]map[model.DnsName]model.RecordLookups,
	nameservers []model.Nameserver,
) (status.MasterDnsStatus, []string, map[string]*model.ResourceNodeDnsResult, []string) {
	masterStatus, masterMessages, firstMasterAddresses := resolveMaster(resource, masterLookups, nameservers)

	nodeOrder, aggs, allNodeAddresses := resolveNodes(resource, nodeLookups, nameservers)

	promote(aggs, nodeOrder, masterStatus, firstMasterAddresses)

	for _, addr := range firstMasterAddresses {
		if !allNodeAddresses[addr] {
			masterStatus = status.MaxMasterDnsStatus(masterStatus, status.MasterInconsistent)
			masterMessages = append(masterMessages, fmt.Sprintf("master A does not match any node: %s", addr))
		}
	}

	nodeResults := make(map[string]*model.ResourceNodeDnsResult, len(nodeOrder))
	for _, id := range nodeOrder {
		agg := aggs[id]
		result := &model.ResourceNodeDnsResult{
			ResourceNode:       agg.resourceNode,
			NodeStatus:         agg.status,
			NodeStatusMessages: dedupSorted(agg.messages),
		}
		if agg.node.Enabled {
			result.NodeRecordLookups = nodeLookups[id]
		}
		nodeResults[id] = result
	}

	return masterStatus, dedupSorted(masterMessages), nodeResults, nodeOrder
}

func resolveMaster(
	resource model.Resource,
	masterLookups map[model.DnsName]model.RecordLookups,
	nameservers []model.Nameserver,
) (status.MasterDnsStatus, []string, []string) {
	masterStatus := status.MasterConsistent
	var masterMessages []string
	var firstMasterAddresses []string
	firstSet := false
	var firstCitation string

	for _, m := range resource.MasterRecords() {
		recordLookups := masterLookups[m]
		sawSuccess := false
		for _, ns := range nameservers {
			r, ok := recordLookups[ns]
			if !ok || !r.Status.HasAddresses() {
				continue
			}
			sawSuccess = true
			if r.Status == status.LookupWarning {
				masterStatus = status.MaxMasterDnsStatus(masterStatus, status.MasterWarning)
				masterMessages = append(masterMessages, r.StatusMessages...)
			}
			if len(r.Addresses) > 1 && !resource.AllowMultiMaster() {
				masterStatus = status.MaxMasterDnsStatus(masterStatus, status.MasterInconsistent)
				masterMessages = append(masterMessages, fmt.Sprintf("multi-master not allowed on nameserver %s: %v", ns.Hostname, r.Addresses))
			}
			citation := fmt.Sprintf("%s@%s", m, ns.Hostname)
			if !firstSet {
				firstMasterAddresses = r.Addresses
				firstCitation = citation
				firstSet = true
			} else if !equalStringSets(r.Addresses, firstMasterAddresses) {
				masterStatus = status.MaxMasterDnsStatus(masterStatus, status.MasterInconsistent)
				masterMessages = append(masterMessages, fmt.Sprintf(
					"master address mismatch: %s=%v vs %s=%v", firstCitation, firstMasterAddresses, citation, r.Addresses))
			}
		}
		if !sawSuccess {
			masterStatus = status.MaxMasterDnsStatus(masterStatus, status.MasterInconsistent)
			masterMessages = append(masterMessages, fmt.Sprintf("masterRecord missing: %s", m))
		}
	}
	return masterStatus, masterMessages, firstMasterAddresses
}

func resolveNodes(
	resource model.Resource,
	nodeLookups map[string]map[model.DnsName]model.RecordLookups,
	nameservers []model.Nameserver,
) ([]string, map[string]*nodeAggregate, map[string]bool) {
	nodeOrder := make([]string, 0, len(resource.ResourceNodes()))
	aggs := make(map[string]*nodeAggregate, len(resource.ResourceNodes()))
	addressOwner := make(map[string]string)
	allNodeAddresses := make(map[string]bool)

	for _, rn := range resource.ResourceNodes() {
		node := rn.Node
		nodeOrder = append(nodeOrder, node.ID)

		if !node.Enabled {
			aggs[node.ID] = &nodeAggregate{node: node, resourceNode: rn, status: status.NodeDisabled}
			continue
		}

		agg := &nodeAggregate{node: node, resourceNode: rn, status: status.NodeSlave}
		aggs[node.ID] = agg
		recordLookups := nodeLookups[node.ID]

		for _, rec := range rn.NodeRecords {
			perNS := recordLookups[rec]
			sawSuccess := false
			for _, ns := range nameservers {
				r, ok := perNS[ns]
				if !ok || !r.Status.HasAddresses() {
					continue
				}
				sawSuccess = true
				for _, a := range r.Addresses {
					allNodeAddresses[a] = true
				}

				if len(r.Addresses) > 1 {
					agg.status = status.MaxNodeDnsStatus(agg.status, status.NodeInconsistent)
					agg.messages = append(agg.messages, fmt.Sprintf("only one A allowed for %s, got %v", rec, r.Addresses))
				} else if len(r.Addresses) == 1 {
					addr := r.Addresses[0]
					if owner, exists := addressOwner[addr]; exists && owner != node.ID {
						agg.status = status.MaxNodeDnsStatus(agg.status, status.NodeInconsistent)
						agg.messages = append(agg.messages, fmt.Sprintf("duplicate A %s also used by node %s", addr, owner))
						if ownerAgg, ok := aggs[owner]; ok {
							ownerAgg.status = status.MaxNodeDnsStatus(ownerAgg.status, status.NodeInconsistent)
							ownerAgg.messages = append(ownerAgg.messages, fmt.Sprintf("duplicate A %s also used by node %s", addr, node.ID))
						}
					} else if !exists {
						addressOwner[addr] = node.ID
					}
				}

				if !agg.firstSet {
					agg.firstAddresses = r.Addresses
					agg.firstSet = true
				} else if !equalStringSets(r.Addresses, agg.firstAddresses) {
					agg.status = status.MaxNodeDnsStatus(agg.status, status.NodeInconsistent)
					agg.messages = append(agg.messages, fmt.Sprintf("node address mismatch for %s", rec))
				}
			}
			if !sawSuccess {
				agg.status = status.MaxNodeDnsStatus(agg.status, status.NodeInconsistent)
				agg.messages = append(agg.messages, fmt.Sprintf("nodeRecord missing: %s", rec))
			}
		}
	}
	return nodeOrder, aggs, allNodeAddresses
}

func promote(aggs map[string]*nodeAggregate, nodeOrder []string, masterStatus status.MasterDnsStatus, firstMasterAddresses []string) {
	consistent := masterStatus == status.MasterConsistent || masterStatus == status.MasterWarning
	if !consistent {
		return
	}
	for _, id := range nodeOrder {
		agg := aggs[id]
		if agg.node.Enabled && agg.status == status.NodeSlave && isSubset(agg.firstAddresses, firstMasterAddresses) {
			agg.status = status.NodeMaster
		}
	}
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

func isSubset(sub, super []string) bool {
	set := make(map[string]bool, len(super))
	for _, v := range super {
		set[v] = true
	}
	for _, v := range sub {
		if !set[v] {
			return false
		}
	}
	return true
}

func dedupSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
