package service

import (
	"fmt"
	"sync"
)

// activeJobs tracks the units of work owned by a worker in this process.
// A unit is one (story, scene, stage); the character uses an empty scene.
type activeJobs struct {
	sync.RWMutex
	byUnit map[string]string
	byJob  map[string]string
}

func newActiveJobs() *activeJobs {
	return &activeJobs{
		byUnit: make(map[string]string),
		byJob:  make(map[string]string),
	}
}

func unitKey(storyID, sceneID, stage string) string {
	if sceneID == "" {
		sceneID = "character"
	}
	return fmt.Sprintf("%s/%s/%s", storyID, sceneID, stage)
}

// TryAcquire claims a unit for jobID. It fails when another job holds it.
func (a *activeJobs) TryAcquire(unit, jobID string) bool {
	a.Lock()
	defer a.Unlock()
	if _, held := a.byUnit[unit]; held {
		return false
	}
	a.byUnit[unit] = jobID
	a.byJob[jobID] = unit
	return true
}

// Release drops the claim if jobID still holds it.
func (a *activeJobs) Release(unit, jobID string) {
	a.Lock()
	defer a.Unlock()
	if a.byUnit[unit] == jobID {
		delete(a.byUnit, unit)
	}
	delete(a.byJob, jobID)
}

// Holds reports whether a live worker in this process owns jobID.
func (a *activeJobs) Holds(jobID string) bool {
	a.RLock()
	defer a.RUnlock()
	_, ok := a.byJob[jobID]
	return ok
}

func (a *activeJobs) Len() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.byUnit)
}
