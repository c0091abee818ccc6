package schema

import "fmt"

type transition struct {
	from, to string
}

var trainTransitions = map[transition]bool{
	{NotStarted, Starting}: true,
	{NotStarted, Failed}:   true,

	{Starting, InProgress}: true,
	{Starting, Complete}:   true,
	{Starting, Failed}:     true,
	{Starting, Stopped}:    true,

	{InProgress, Complete}: true,
	{InProgress, Failed}:   true,
	{InProgress, Stopped}:  true,

	// Retraining after a failure or a manual stop.
	{Failed, Starting}:  true,
	{Stopped, Starting}: true,
}

var deployTransitions = map[transition]bool{
	{NotStarted, Starting}: true,
	{NotStarted, Failed}:   true,

	{Starting, InProgress}: true,
	{Starting, Complete}:   true,
	{Starting, Failed}:     true,
	{Starting, Stopped}:    true,

	{InProgress, Complete}: true,
	{InProgress, Failed}:   true,
	{InProgress, Stopped}:  true,

	{Complete, Stopped}: true,
	{Complete, Failed}:  true,

	{Failed, Starting}: true,
	{Failed, Stopped}:  true,

	{Stopped, Starting}: true,
}

// ValidTransition reports whether the status field for job may move from
// current to next. Reporting the current status again is always accepted.
func ValidTransition(job, current, next string) bool {
	if current == next {
		return true
	}
	switch job {
	case TrainJob:
		return trainTransitions[transition{current, next}]
	case DeployJob:
		return deployTransitions[transition{current, next}]
	default:
		return false
	}
}

// CheckTransition validates a status change for model, including the rule that
// a deployment cannot leave not_started before training has completed.
func CheckTransition(model *Model, job, next string) error {
	if err := CheckValidJob(job); err != nil {
		return err
	}
	if err := CheckValidStatus(next); err != nil {
		return err
	}

	current := model.Status(job)
	if !ValidTransition(job, current, next) {
		return fmt.Errorf("%w: %v status of model %v cannot change from %v to %v", ErrInvalidTransition, job, model.Id, current, next)
	}

	if job == DeployJob && current == NotStarted && next != NotStarted && model.TrainStatus != Complete {
		return fmt.Errorf("%w: cannot deploy model %v since it has train status %v", ErrInvalidTransition, model.Id, model.TrainStatus)
	}

	return nil
}
