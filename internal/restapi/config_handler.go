package restapi

import (
	"net/http"

	"buswatch.org/internal/buildinfo"
	"buswatch.org/internal/models"
)

func (api *RestAPI) configHandler(w http.ResponseWriter, r *http.Request) {
	entry := models.ConfigModel{
		GitProperties: models.GitProperties{
			GitBranch:         buildinfo.Branch,
			GitBuildTime:      buildinfo.BuildTime,
			GitBuildVersion:   buildinfo.Version,
			GitCommitId:       buildinfo.CommitHash,
			GitCommitIdAbbrev: buildinfo.ShortHash(),
			GitDirty:          buildinfo.Dirty,
		},
		Id:          "buswatch",
		Name:        "buswatch",
		Environment: api.Config.Env.String(),
		TimeZone:    api.Config.TimeZone,
		Routes:      len(api.Dataset.Routes),
		Buses:       len(api.Dataset.Buses),
	}
	if api.Tracker != nil {
		entry.ServiceDate = api.Tracker.ServiceDate()
	}
	api.sendResponse(w, r, models.NewEntryResponse(entry, api.Clock))
}
