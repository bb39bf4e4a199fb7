// Package routetarget implements the pure route-target resolver of
// spec.md §4.1: a side-effect-free function from classification and
// session state to a target bitfield, plus the hint-driven mutation
// pass that runs after it.
package routetarget

import (
	"github.com/mevdschee/rwsplit/classify"
	"github.com/mevdschee/rwsplit/hint"
)

// Target is a bitfield combining a coarse role with modifiers, per
// the GLOSSARY's "Route target" entry.
type Target uint32

const (
	Primary     Target = 1 << iota // PRIMARY
	Slave                          // SLAVE
	All                            // ALL
	NamedServer                    // NAMED_SERVER modifier
	RLagMax                        // RLAG_MAX modifier
)

func (t Target) Has(flag Target) bool { return t&flag != 0 }

// UseSQLVariablesIn controls how user-variable statements route, per
// spec.md §3's `use_sql_variables_in` configuration parameter.
type UseSQLVariablesIn int

const (
	UseSQLVariablesInPrimary UseSQLVariablesIn = iota
	UseSQLVariablesInAll
)

// Config is the subset of the routing configuration the resolver
// consults. It never reads anything else, keeping the function pure.
type Config struct {
	UseSQLVariablesIn UseSQLVariablesIn
}

// Input bundles everything resolve needs in one pure call, per
// spec.md §4.1's signature:
//
//	resolve(qtype, trx_active, load_active, hints, config, target_node_is_primary) -> target
type Input struct {
	QType               classify.QType
	TrxActive           bool
	TrxReadOnly         bool
	LoadActive          bool
	Hints               hint.Chain
	Config              Config
	TargetNodeSet       bool
	TargetNodeIsPrimary bool
}

// Warning is returned alongside a Target when the resolver wants the
// caller to log something, e.g. a broadcast statement that also reads.
type Warning string

// Resolve computes the route target for one statement. It is
// deterministic: Resolve(x) == Resolve(x) for identical x regardless
// of call order (spec.md §8 property 3), since it reads nothing but
// its arguments.
func Resolve(in Input) (Target, Warning) {
	target, warn := baseTarget(in)
	target = applyHints(target, in.Hints)
	return target, warn
}

func baseTarget(in Input) (Target, Warning) {
	q := in.QType

	// 1. A pinned target_node that happens to be the primary routes
	// there directly.
	if in.TargetNodeSet && in.TargetNodeIsPrimary {
		return Primary, ""
	}

	// 2. Session-state mutations broadcast to every backend, unless
	// loading, in which case ordinary dispatch handles LDLI framing
	// instead.
	if !in.LoadActive && isBroadcastable(q, in.Config) {
		if q.Has(classify.Read) && !isPreparedVariant(q) {
			return Primary, "mixing session-state mutation with a read is not broadcastable"
		}
		return All, ""
	}

	// 3. Plain reads go to a replica when nothing forces the primary.
	if !in.TrxActive && !in.LoadActive && !q.Has(classify.MasterRead) && !q.Has(classify.Write) && !isPrepare(q) {
		if isReadFlavour(q) {
			if q.Has(classify.UserVarRead) && in.Config.UseSQLVariablesIn == UseSQLVariablesInPrimary {
				return Primary, ""
			}
			return Slave, ""
		}
	}

	// 4. An active read-only transaction stays on a replica.
	if in.TrxActive && in.TrxReadOnly {
		return Slave, ""
	}

	// 5. Default: primary.
	return Primary, ""
}

func isBroadcastable(q classify.QType, cfg Config) bool {
	switch {
	case q.Has(classify.SessionWrite):
		return true
	case q.Has(classify.UserVarWrite) && cfg.UseSQLVariablesIn == UseSQLVariablesInAll:
		return true
	case q.Has(classify.GlobalSysVarWrite):
		return true
	case q.Has(classify.EnableAutocommit):
		return true
	case q.Has(classify.DisableAutocommit):
		return true
	default:
		return false
	}
}

func isReadFlavour(q classify.QType) bool {
	return q.Has(classify.Read) ||
		q.Has(classify.ShowTables) ||
		q.Has(classify.UserVarRead) ||
		q.Has(classify.SysVarRead) ||
		q.Has(classify.GlobalSysVarRead)
}

func isPrepare(q classify.QType) bool {
	return q.Has(classify.PrepareStmt) || q.Has(classify.PrepareNamedStmt)
}

func isPreparedVariant(q classify.QType) bool {
	return isPrepare(q) || q.Has(classify.ExecStmt)
}

// applyHints mutates target in hint order, per spec.md §4.1.
func applyHints(target Target, chain hint.Chain) Target {
	for _, h := range chain {
		switch h.Kind {
		case hint.RouteToPrimary:
			return Primary
		case hint.RouteToNamedServer:
			target |= NamedServer
		case hint.RouteToReplica:
			target = Slave
		case hint.Parameter:
			if h.Key == "max_slave_replication_lag" {
				target |= RLagMax
			}
			// Unknown parameter keys are logged by the caller and
			// otherwise ignored, per spec.md §4.1 and §7.
		}
	}
	return target
}
