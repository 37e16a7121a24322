package models

// Town is the region an experiment is bound to.
type Town struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Rad  int     `json:"rad"`
}

// Experiment is the metadata record served by the site backend.
// Read-mostly: the cache refreshes it from the backend on every Get.
type Experiment struct {
	EID            int64  `json:"eId"`
	ExactNUsers    int    `json:"exactNUsers"`
	AnonymousJoin  Flag   `json:"anonymousJoin"`
	CanPerform     Flag   `json:"canPerform"`
	ManagerURI     string `json:"managerURI"`
	Town           Town   `json:"town"`
	ShareUserData  Flag   `json:"shareUserData"`
	ShareLanguages Flag   `json:"shareLanguages"`
}

// ExperimentRef is the subset of experiment data attached to every
// message forwarded to a manager.
type ExperimentRef struct {
	ID   int64 `json:"id"`
	Town Town  `json:"town"`
}

// Ref builds the manager-facing reference for the experiment.
func (e *Experiment) Ref() ExperimentRef {
	return ExperimentRef{ID: e.EID, Town: e.Town}
}
