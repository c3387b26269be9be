package status

type Status = int32

const (
	Pending Status = iota
	Active
	Completed
	Failed
	Cancelled
)
