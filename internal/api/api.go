package api

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"masterplan-backend/internal/database"
	"masterplan-backend/internal/jobs"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/release"
	"masterplan-backend/internal/storage"
	"masterplan-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	store     storage.ObjectStore
	jobs      *jobs.Store
	assembler *release.Assembler

	// Poll interval for the job streaming endpoint.
	streamInterval time.Duration
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.ObjectStore) *BackendService {
	return &BackendService{
		db:             db,
		publisher:      publisher,
		store:          store,
		jobs:           jobs.NewStore(db),
		assembler:      release.NewAssembler(db, store),
		streamInterval: time.Second,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/projects", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateProject))
		r.Route("/{slug}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetProject))
			r.Post("/drafts", RestHandler(s.CreateDraft))
			r.Route("/drafts/{version}", func(r chi.Router) {
				r.Post("/publish", RestHandler(s.StartPublish))
				r.Get("/publish/validate", RestHandler(s.ValidatePublish))
				r.Post("/tiles", RestHandler(s.StartTileGeneration))
				r.Post("/overlays/import", RestHandler(s.StartOverlayImport))
			})
			r.Get("/releases", RestHandler(s.ListReleases))
			r.Get("/releases/current", RestHandler(s.GetCurrentRelease))
		})
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListJobs))
		r.Get("/{job_id}", RestHandler(s.GetJob))
		r.Get("/{job_id}/stream", RestStreamHandler(s.StreamJob))
	})
}

func (s *BackendService) CreateProject(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateProjectRequest](r)
	if err != nil {
		return nil, err
	}
	if err := validateSlug(req.Slug); err != nil {
		return nil, err
	}

	ctx := r.Context()
	project := database.Project{
		Id:        uuid.New(),
		Slug:      req.Slug,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&project).Error; err != nil {
			return err
		}
		// New projects start with the default rendering configuration.
		return txn.Create(&database.ProjectConfig{
			ProjectId:     project.Id,
			ViewBox:       "0 0 4096 4096",
			ZoomMin:       0.5,
			ZoomMax:       4.0,
			ZoomDefault:   1.0,
			DefaultLocale: "en",
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, CodedErrorf(http.StatusConflict, "project '%s' already exists", req.Slug)
		}
		slog.Error("error creating project", "slug", req.Slug, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create project")
	}

	slog.Info("created project", "slug", req.Slug, "project_id", project.Id)
	return api.CreateProjectResponse{Id: project.Id, Slug: project.Slug}, nil
}

func (s *BackendService) GetProject(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *BackendService) CreateDraft(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.CreateDraftRequest](r)
	if err != nil {
		return nil, err
	}
	if req.BaseMapKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "base_map_key is required")
	}

	ctx := r.Context()
	draft := database.Draft{
		Id:         uuid.New(),
		ProjectId:  project.Id,
		Status:     database.DraftStatusDraft,
		BaseMapKey: req.BaseMapKey,
		CreatedAt:  time.Now().UTC(),
	}
	if req.OverlaySourceKey != "" {
		draft.OverlaySourceKey = sql.NullString{String: req.OverlaySourceKey, Valid: true}
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var maxVersion sql.NullInt64
		if err := txn.Model(&database.Draft{}).Where("project_id = ?", project.Id).
			Select("MAX(version_number)").Scan(&maxVersion).Error; err != nil {
			return err
		}
		draft.VersionNumber = int(maxVersion.Int64) + 1
		return txn.Create(&draft).Error
	})
	if err != nil {
		slog.Error("error creating draft", "slug", project.Slug, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create draft")
	}

	return api.CreateDraftResponse{Id: draft.Id, VersionNumber: draft.VersionNumber}, nil
}

// StartPublish queues a publish job for the draft. At most one publish may be
// queued or running per draft; a second submission is rejected with 409
// rather than queued behind the first.
func (s *BackendService) StartPublish(r *http.Request) (any, error) {
	project, draft, err := s.getProjectAndDraft(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()

	if draft.Status == database.DraftStatusPublished {
		return nil, CodedErrorf(http.StatusConflict, "draft version %d is already published", draft.VersionNumber)
	}

	active, err := s.jobs.HasActivePublish(ctx, draft.Id)
	if err != nil {
		slog.Error("error checking active publish jobs", "draft_id", draft.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to check publish status")
	}
	if active {
		return nil, CodedErrorf(http.StatusConflict, "a publish is already in progress for draft version %d", draft.VersionNumber)
	}

	job, err := s.jobs.Create(ctx, database.JobTypePublish, project.Id, uuid.NullUUID{UUID: draft.Id, Valid: true})
	if err != nil {
		slog.Error("error creating publish job", "draft_id", draft.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create publish job")
	}

	payload := messaging.PublishTaskPayload{JobId: job.Id, ProjectId: project.Id, DraftId: draft.Id}
	if err := s.publisher.PublishPublishTask(ctx, payload); err != nil {
		slog.Error("error publishing publish task", "job_id", job.Id, "error", err)
		_ = s.jobs.Fail(ctx, job.Id, fmt.Errorf("failed to queue publish task"))
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue publish task")
	}

	slog.Info("submitted publish job", "job_id", job.Id, "project", project.Slug, "version", draft.VersionNumber)
	return api.StartJobResponse{JobId: job.Id, Status: job.Status, Message: "publish job submitted"}, nil
}

// ValidatePublish runs the publish validation stage without creating a job
// or writing anything.
func (s *BackendService) ValidatePublish(r *http.Request) (any, error) {
	project, draft, err := s.getProjectAndDraft(r)
	if err != nil {
		return nil, err
	}

	problems, err := s.assembler.Validate(r.Context(), project, draft)
	if err != nil {
		slog.Error("error validating draft", "draft_id", draft.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to validate draft")
	}

	if problems == nil {
		problems = []string{}
	}
	return api.ValidatePublishResponse{Valid: len(problems) == 0, Errors: problems}, nil
}

func (s *BackendService) StartTileGeneration(r *http.Request) (any, error) {
	project, draft, err := s.getProjectAndDraft(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()

	job, err := s.jobs.Create(ctx, database.JobTypeTileGeneration, project.Id, uuid.NullUUID{UUID: draft.Id, Valid: true})
	if err != nil {
		slog.Error("error creating tile generation job", "draft_id", draft.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create tile generation job")
	}

	payload := messaging.TileTaskPayload{JobId: job.Id, ProjectId: project.Id, DraftId: draft.Id}
	if err := s.publisher.PublishTileTask(ctx, payload); err != nil {
		slog.Error("error publishing tile task", "job_id", job.Id, "error", err)
		_ = s.jobs.Fail(ctx, job.Id, fmt.Errorf("failed to queue tile generation task"))
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue tile generation task")
	}

	return api.StartJobResponse{JobId: job.Id, Status: job.Status, Message: "tile generation job submitted"}, nil
}

func (s *BackendService) StartOverlayImport(r *http.Request) (any, error) {
	project, draft, err := s.getProjectAndDraft(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.ImportOverlaysRequest](r)
	if err != nil {
		return nil, err
	}
	if !draft.OverlaySourceKey.Valid {
		return nil, CodedErrorf(http.StatusBadRequest, "draft version %d has no overlay source document", draft.VersionNumber)
	}
	ctx := r.Context()

	job, err := s.jobs.Create(ctx, database.JobTypeOverlayImport, project.Id, uuid.NullUUID{UUID: draft.Id, Valid: true})
	if err != nil {
		slog.Error("error creating overlay import job", "draft_id", draft.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create overlay import job")
	}

	payload := messaging.OverlayImportTaskPayload{
		JobId:       job.Id,
		ProjectId:   project.Id,
		DraftId:     draft.Id,
		IdPattern:   req.IdPattern,
		OverlayType: req.OverlayType,
	}
	if err := s.publisher.PublishOverlayImportTask(ctx, payload); err != nil {
		slog.Error("error publishing overlay import task", "job_id", job.Id, "error", err)
		_ = s.jobs.Fail(ctx, job.Id, fmt.Errorf("failed to queue overlay import task"))
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue overlay import task")
	}

	return api.StartJobResponse{JobId: job.Id, Status: job.Status, Message: "overlay import job submitted"}, nil
}

func (s *BackendService) ListReleases(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()

	var records []database.Release
	if err := s.db.WithContext(ctx).Where("project_id = ?", project.Id).
		Order("published_at DESC").Find(&records).Error; err != nil {
		slog.Error("error listing releases", "slug", project.Slug, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list releases")
	}

	response := api.ReleaseHistoryResponse{
		ProjectSlug:      project.Slug,
		CurrentReleaseId: project.CurrentReleaseId.String,
		Releases:         make([]api.ReleaseInfo, len(records)),
		Total:            len(records),
	}
	for i, record := range records {
		response.Releases[i] = releaseInfo(record, project)
	}
	return response, nil
}

func (s *BackendService) GetCurrentRelease(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}
	if !project.CurrentReleaseId.Valid {
		return nil, CodedErrorf(http.StatusNotFound, "project '%s' has no published release", project.Slug)
	}

	var record database.Release
	if err := s.db.WithContext(r.Context()).First(&record, "id = ?", project.CurrentReleaseId.String).Error; err != nil {
		slog.Error("error loading current release", "slug", project.Slug, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to load current release")
	}
	return releaseInfo(record, project), nil
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListJobsRequest](r)
	if err != nil {
		return nil, err
	}

	filter := jobs.ListFilter{Status: params.Status, JobType: params.JobType, Limit: params.Limit}
	if params.Project != "" {
		var project database.Project
		if err := s.db.WithContext(r.Context()).First(&project, "slug = ?", params.Project).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, CodedErrorf(http.StatusNotFound, "project '%s' not found", params.Project)
			}
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to load project")
		}
		filter.ProjectId = uuid.NullUUID{UUID: project.Id, Valid: true}
	}

	records, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		slog.Error("error listing jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list jobs")
	}

	states := make([]api.JobState, len(records))
	for i, record := range records {
		state, err := jobState(record)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to decode job %v", record.Id)
		}
		states[i] = state
	}
	return states, nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	record, err := s.jobs.Get(r.Context(), jobId)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job %v not found", jobId)
		}
		slog.Error("error getting job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to get job")
	}

	state, err := jobState(record)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to decode job %v", jobId)
	}
	return state, nil
}

// StreamJob emits the job state whenever it changes, polling the store until
// the job reaches a terminal status.
func (s *BackendService) StreamJob(r *http.Request) (StreamResponse, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.jobs.Get(r.Context(), jobId); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job %v not found", jobId)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to get job")
	}

	return func(yield func(any, error) bool) {
		var lastProgress, lastLogCount = -1, -1
		var lastStatus string

		for {
			record, err := s.jobs.Get(r.Context(), jobId)
			if err != nil {
				yield(nil, CodedErrorf(http.StatusInternalServerError, "failed to get job"))
				return
			}

			state, err := jobState(record)
			if err != nil {
				yield(nil, CodedErrorf(http.StatusInternalServerError, "failed to decode job"))
				return
			}

			changed := state.Status != lastStatus || state.Progress != lastProgress || len(state.Logs) != lastLogCount
			if changed && !yield(state, nil) {
				return
			}
			lastStatus, lastProgress, lastLogCount = state.Status, state.Progress, len(state.Logs)

			if state.Status == database.JobCompleted || state.Status == database.JobFailed {
				return
			}

			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.streamInterval):
			}
		}
	}, nil
}

func (s *BackendService) getProject(r *http.Request) (database.Project, error) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		return database.Project{}, CodedErrorf(http.StatusBadRequest, "missing {slug} url parameter")
	}

	var project database.Project
	if err := s.db.WithContext(r.Context()).First(&project, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Project{}, CodedErrorf(http.StatusNotFound, "project '%s' not found", slug)
		}
		slog.Error("error loading project", "slug", slug, "error", err)
		return database.Project{}, CodedErrorf(http.StatusInternalServerError, "failed to load project")
	}
	return project, nil
}

func (s *BackendService) getProjectAndDraft(r *http.Request) (database.Project, database.Draft, error) {
	project, err := s.getProject(r)
	if err != nil {
		return database.Project{}, database.Draft{}, err
	}

	versionParam := chi.URLParam(r, "version")
	version, err := strconv.Atoi(versionParam)
	if err != nil || version < 1 {
		return database.Project{}, database.Draft{}, CodedErrorf(http.StatusBadRequest, "invalid draft version '%s'", versionParam)
	}

	var draft database.Draft
	err = s.db.WithContext(r.Context()).
		First(&draft, "project_id = ? AND version_number = ?", project.Id, version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Project{}, database.Draft{}, CodedErrorf(http.StatusNotFound, "draft version %d not found for project '%s'", version, project.Slug)
		}
		slog.Error("error loading draft", "slug", project.Slug, "version", version, "error", err)
		return database.Project{}, database.Draft{}, CodedErrorf(http.StatusInternalServerError, "failed to load draft")
	}

	return project, draft, nil
}

func jobState(record database.Job) (api.JobState, error) {
	logs, err := jobs.DecodeLogs(record.Logs)
	if err != nil {
		return api.JobState{}, err
	}

	state := api.JobState{
		Id:        record.Id,
		JobType:   record.JobType,
		Status:    record.Status,
		Progress:  record.Progress,
		Message:   record.Message,
		Result:    []byte(record.Result),
		ProjectId: record.ProjectId,
		CreatedAt: record.CreatedAt,
	}
	if record.Error.Valid {
		state.Error = record.Error.String
	}
	if record.DraftId.Valid {
		draftId := record.DraftId.UUID
		state.DraftId = &draftId
	}
	if record.StartedAt.Valid {
		startedAt := record.StartedAt.Time
		state.StartedAt = &startedAt
	}
	if record.CompletedAt.Valid {
		completedAt := record.CompletedAt.Time
		state.CompletedAt = &completedAt
	}
	for _, entry := range logs {
		state.Logs = append(state.Logs, api.JobLogEntry{
			Timestamp: entry.Timestamp,
			Level:     entry.Level,
			Message:   entry.Message,
		})
	}
	return state, nil
}

func releaseInfo(record database.Release, project database.Project) api.ReleaseInfo {
	return api.ReleaseInfo{
		ReleaseId:    record.Id,
		ManifestKey:  record.ManifestKey,
		Checksum:     record.Checksum,
		OverlayCount: record.OverlayCount,
		TileCount:    record.TileCount,
		PublishedAt:  record.PublishedAt,
		IsCurrent:    project.CurrentReleaseId.Valid && project.CurrentReleaseId.String == record.Id,
	}
}
