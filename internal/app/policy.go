package app

import "github.com/dkeye/Shortgap/internal/domain"

type SendFailureAction int

const (
	NoAction SendFailureAction = iota
	MarkFailureCandidate
	MarkUnreachable
)

// Policy decides what a failed send to one member means for that member.
// A relay never fails as a whole because of it.
type Policy interface {
	OnSendFailure(id domain.MemberID, err error) SendFailureAction
}

// SimplePolicy feeds every failure into the staleness counter and leaves
// the offline decision to the failure detector.
type SimplePolicy struct{}

func (SimplePolicy) OnSendFailure(domain.MemberID, error) SendFailureAction {
	return MarkFailureCandidate
}
