package service

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Jouleverse/audit/internal/audit"
	"github.com/Jouleverse/audit/internal/checkin"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/registry"
)

// Printer 运维控制台输出
type Printer struct {
	w io.Writer
}

// NewPrinter 创建输出器，w 为 nil 时丢弃输出
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = io.Discard
	}
	return &Printer{w: w}
}

// PrintSnapshot 节点状态表与 NO CHECK-IN / NO KYC 名单
func (p *Printer) PrintSnapshot(snap *Snapshot, checkins map[uint32]checkin.Result) {
	miners, witnesses := snap.AliveCounts()
	health := "GREEN"
	if !snap.Green() {
		health = "RED"
	}
	fmt.Fprintf(p.w, "Chain head: %d (%s, lag %s)\n", snap.Head, health, snap.Lag().Round(time.Second))
	fmt.Fprintf(p.w, "Network size: %d nodes (%d miners, %d witnesses, miner*s excluded)\n",
		miners+witnesses, miners, witnesses)
	fmt.Fprintln(p.w, "---------------- nodes status -----------------")

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSINCE\tIP\tCONNECTED\tACTIVITY\tLIVENESS\tCORE-ID\tOWNER\tCHECK-IN")

	var noCheckin, noKYC []model.PhysicalNode
	for _, n := range displayOrder(snap) {
		st := snap.Statuses.Get(n.ID)
		coreID, mark := "--", "?"
		if id, ok := n.Participant.Get(); ok {
			coreID = fmt.Sprintf("J-%d", id)
			if checkins[id].CheckedIn {
				mark = "yes"
			} else {
				mark = "no"
				noCheckin = append(noCheckin, n)
			}
		} else {
			noKYC = append(noKYC, n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%q\t%s\n",
			n.Type, orNA(n.Since), n.Address, connMark(st), activity(n, st), aliveMark(st.Alive),
			coreID, n.Owner, mark)
	}
	tw.Flush()

	owners := registry.Owners(noCheckin)
	kyc := registry.Owners(noKYC)
	if len(owners) > 0 || len(kyc) > 0 {
		fmt.Fprintln(p.w, "---------------- notice -----------------")
	}
	if len(owners) > 0 {
		fmt.Fprintf(p.w, "NO CHECK-IN: %s\n", strings.Join(owners, ","))
	}
	if len(kyc) > 0 {
		fmt.Fprintf(p.w, "NO KYC: %s\n", strings.Join(kyc, ","))
	}
}

// displayOrder 矿工、本节点、备用矿工、有高度的 witness、无高度的 witness
func displayOrder(snap *Snapshot) []model.PhysicalNode {
	rank := func(n model.PhysicalNode) int {
		st := snap.Statuses.Get(n.ID)
		switch {
		case n.Type == model.NodeTypeMiner:
			return 0
		case st.Self:
			return 1
		case n.IsStandby():
			return 2
		case st.Height > 0:
			return 3
		default:
			return 4
		}
	}
	nodes := append([]model.PhysicalNode(nil), snap.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return rank(nodes[i]) < rank(nodes[j]) })
	return nodes
}

func activity(n model.PhysicalNode, st *model.NodeStatus) string {
	if n.Type == model.NodeTypeMiner {
		return st.SealRate.StringFixed(4)
	}
	if role, ok := n.Role(); ok && role == model.RoleWitness {
		return fmt.Sprintf("%d", st.Height)
	}
	return "-"
}

func connMark(st *model.NodeStatus) string {
	if st.Self {
		return "self"
	}
	if st.Connected {
		return "connected"
	}
	return "disconnected"
}

func aliveMark(alive bool) string {
	if alive {
		return "alive"
	}
	return "dead"
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// PrintAggregation 参与者汇总
func (p *Printer) PrintAggregation(agg *audit.Aggregation) {
	fmt.Fprintf(p.w, "Participants: %d (unregistered nodes: %d)\n", agg.Len(), len(agg.Unregistered))
}

// PrintPayload 批次大小与前 n 条样例
func (p *Printer) PrintPayload(date model.BusinessDate, payload *model.BatchPayload, n int) {
	fmt.Fprintf(p.w, "Target date: %s\n", date)
	fmt.Fprintf(p.w, "Payload entries: %d\n", payload.Len())
	if payload.Len() == 0 {
		return
	}
	sample, err := json.MarshalIndent(payload.Sample(n), "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "Sample (first %d):\n%s\n", min(n, payload.Len()), sample)
}

// PrintResult 周期终态
func (p *Printer) PrintResult(report *CycleReport) {
	fmt.Fprintf(p.w, "Cycle %s finished: %s\n", report.RunID, report.State)
	if r := report.Result; r != nil && r.TxHash != "" {
		fmt.Fprintf(p.w, "  tx:     %s\n", r.TxHash)
		fmt.Fprintf(p.w, "  status: %d  block: %d  gasUsed: %d\n", r.Status, r.BlockNumber, r.GasUsed)
	}
	if report.Err != nil {
		fmt.Fprintf(p.w, "  error:  %v\n", report.Err)
	}
}

// PrintPreview 每行一个参与者：J-id date miner(liveness points) witness(liveness points) total
func (p *Printer) PrintPreview(date model.BusinessDate, rows []PreviewRow) {
	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(p.w, "error J-%d %s %v\n", r.CoreID, date, r.Err)
			continue
		}
		fmt.Fprintf(p.w, "J-%d date %s miner %d %d witness %d %d total %d\n",
			r.CoreID, date,
			b2i(r.Pair.MinerLiveness), r.Pair.MinerPoints,
			b2i(r.Pair.WitnessLiveness), r.Pair.WitnessPoints,
			r.Total())
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
