package fnwlist

// Category identifies the role a stored callback plays in the kernel. Each
// category has one fixed function signature and one whitelist; a function
// registered for one category is never accepted by another category's check.
type Category int

const (
	// CommPoint is the callback invoked when a communication point has a
	// complete message for the worker.
	CommPoint Category = iota
	// CommPointRaw is the low-level accept/readiness callback of a
	// communication point.
	CommPointRaw
	// CommTimer is a timer expiry callback.
	CommTimer
	// CommSignal is a signal delivery callback.
	CommSignal
	// Event is an internal readiness handler of the event loop itself.
	Event
	// PendingUDP is the reply callback of a pending outgoing UDP exchange.
	PendingUDP
	// PendingTCP is the reply callback of a pending outgoing TCP exchange.
	PendingTCP
	// ServicedQuery is the reply callback of a serviced outgoing query.
	ServicedQuery
	// TreeCmp is a red-black tree comparison function.
	TreeCmp
	// HashSize is an lruhash entry size function.
	HashSize
	// HashComp is an lruhash key comparison function.
	HashComp
	// HashDelKey is an lruhash key destructor.
	HashDelKey
	// HashDelData is an lruhash data destructor.
	HashDelData
	// HashMarkDel is an lruhash mark-deleted hook.
	HashMarkDel
	// EnvSendQuery is the module environment's send-query operation.
	EnvSendQuery
	// EnvDetachSubs is the module environment's detach-subqueries operation.
	EnvDetachSubs
	// EnvAttachSub is the module environment's attach-subquery operation.
	EnvAttachSub
	// EnvKillSub is the module environment's kill-subquery operation.
	EnvKillSub
	// EnvDetectCycle is the module environment's dependency cycle probe.
	EnvDetectCycle
	// ModInit is a pipeline module's init operation.
	ModInit
	// ModDeinit is a pipeline module's deinit operation.
	ModDeinit
	// ModOperate is a pipeline module's operate operation.
	ModOperate
	// ModInformSuper is a pipeline module's inform-super operation.
	ModInformSuper
	// ModClear is a pipeline module's per-query clear operation.
	ModClear
	// ModGetMem is a pipeline module's memory accounting operation.
	ModGetMem
	// AllocCleanup is the allocation cache's rollover cleanup hook.
	AllocCleanup
	// TubeListen is a tube's listen handler.
	TubeListen
	// MeshCallback is a mesh query completion callback.
	MeshCallback
	// PrintFunc is a configuration option dump callback.
	PrintFunc

	numCategories int = iota
)

var categoryNames = [numCategories]string{
	CommPoint:      "comm_point",
	CommPointRaw:   "comm_point_raw",
	CommTimer:      "comm_timer",
	CommSignal:     "comm_signal",
	Event:          "event",
	PendingUDP:     "pending_udp",
	PendingTCP:     "pending_tcp",
	ServicedQuery:  "serviced_query",
	TreeCmp:        "tree_cmp",
	HashSize:       "hash_size",
	HashComp:       "hash_comp",
	HashDelKey:     "hash_delkey",
	HashDelData:    "hash_deldata",
	HashMarkDel:    "hash_markdel",
	EnvSendQuery:   "env_send_query",
	EnvDetachSubs:  "env_detach_subs",
	EnvAttachSub:   "env_attach_sub",
	EnvKillSub:     "env_kill_sub",
	EnvDetectCycle: "env_detect_cycle",
	ModInit:        "mod_init",
	ModDeinit:      "mod_deinit",
	ModOperate:     "mod_operate",
	ModInformSuper: "mod_inform_super",
	ModClear:       "mod_clear",
	ModGetMem:      "mod_get_mem",
	AllocCleanup:   "alloc_cleanup",
	TubeListen:     "tube_listen",
	MeshCallback:   "mesh_callback",
	PrintFunc:      "print_func",
}

// String returns the diagnostic name of the category.
func (c Category) String() string {
	if c < 0 || int(c) >= numCategories {
		return "invalid_category"
	}
	return categoryNames[c]
}
