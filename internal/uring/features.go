package uring

import "github.com/ehrlich-b/go-reactor/internal/kernel"

// Features describes which optional io_uring behaviour the running kernel
// offers. It is a value snapshot and never changes after detection.
type Features struct {
	Timeout         bool // IORING_OP_TIMEOUT (5.4)
	AttachWQ        bool // IORING_SETUP_ATTACH_WQ (5.6)
	Shutdown        bool // IORING_OP_SHUTDOWN (5.11)
	SubmitAll       bool // IORING_SETUP_SUBMIT_ALL, one submit enqueues everything (5.18)
	CancelAll       bool // IORING_ASYNC_CANCEL_ALL (5.19)
	CancelFD        bool // IORING_ASYNC_CANCEL_FD (5.19)
	MultishotAccept bool // IORING_ACCEPT_MULTISHOT (5.19)
	CoopTaskRun     bool // IORING_SETUP_COOP_TASKRUN (5.19)
	CreateSocket    bool // IORING_OP_SOCKET (5.19)
	SingleIssuer    bool // IORING_SETUP_SINGLE_ISSUER (6.0)
	DeferTaskRun    bool // IORING_SETUP_DEFER_TASKRUN (6.1)
}

// FeaturesFor derives the feature set from a kernel version.
func FeaturesFor(v kernel.Version) Features {
	return Features{
		Timeout:         v.AtLeast(5, 4),
		AttachWQ:        v.AtLeast(5, 6),
		Shutdown:        v.AtLeast(5, 11),
		SubmitAll:       v.AtLeast(5, 18),
		CancelAll:       v.AtLeast(5, 19),
		CancelFD:        v.AtLeast(5, 19),
		MultishotAccept: v.AtLeast(5, 19),
		CoopTaskRun:     v.AtLeast(5, 19),
		CreateSocket:    v.AtLeast(5, 19),
		SingleIssuer:    v.AtLeast(6, 0),
		DeferTaskRun:    v.AtLeast(6, 1),
	}
}

// DetectFeatures reads the running kernel version and derives its features.
func DetectFeatures() (Features, kernel.Version, error) {
	v, err := kernel.Current()
	if err != nil {
		return Features{}, kernel.Version{}, err
	}
	return FeaturesFor(v), v, nil
}
