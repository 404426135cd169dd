package domain

var forward = map[Status][]Status{
	StatusCreated:    {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusError},
	StatusProcessed:  {StatusUploading, StatusError},
	StatusUploading:  {StatusUploaded, StatusCompleted, StatusError},
	StatusUploaded:   {StatusCompleted, StatusError},
	StatusError:      {StatusProcessing, StatusUploading},
}

// CanTransition reports whether a submission may move from one status to
// another. Re-entering the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) InProgress() bool {
	switch s {
	case StatusProcessing, StatusUploading, StatusUploaded:
		return true
	default:
		return false
	}
}
