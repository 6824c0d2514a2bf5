package models

type GitProperties struct {
	GitBranch         string `json:"git.branch"`
	GitBuildTime      string `json:"git.build.time"`
	GitBuildVersion   string `json:"git.build.version"`
	GitCommitId       string `json:"git.commit.id"`
	GitCommitIdAbbrev string `json:"git.commit.id.abbrev"`
	GitDirty          string `json:"git.dirty"`
}

// ConfigModel is returned by the config endpoint so clients can tell which
// build and service day they are talking to.
type ConfigModel struct {
	GitProperties GitProperties `json:"gitProperties"`
	Id            string        `json:"id"`
	Name          string        `json:"name"`
	Environment   string        `json:"environment"`
	ServiceDate   string        `json:"serviceDate"`
	TimeZone      string        `json:"timeZone"`
	Routes        int           `json:"routes"`
	Buses         int           `json:"buses"`
}
