package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var terminalStatuses = []string{
	jobs.StatusSucceeded.String(),
	jobs.StatusFailed.String(),
	jobs.StatusTimedOut.String(),
	jobs.StatusRejected.String(),
}

// JobStore implements jobs.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) CreateJob(ctx context.Context, job jobs.Job) error {
	model, err := toJobModel(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if _, isUnique := uniqueViolation(err); isUnique {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, jobs.ErrJobExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	var model GenerationJob
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, jobs.ErrJobNotFound)
	}
	if err != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job, err := fromJobModel(model)
	if err != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

// UpdateJob overwrites the mutable columns of a non-terminal job still held by job.Owner. Account,
// kind, prompt, creation time and cancel requests never change here.
func (store *JobStore) UpdateJob(ctx context.Context, job jobs.Job) error {
	model, err := toJobModel(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ? AND status NOT IN ? AND owner = ?", job.JobID, terminalStatuses, job.Owner).
		Select("status", "handle", "artifact_ref", "artifact_content_type", "error_code", "error_message", "funds_returned", "lease_expires_at", "updated_at", "deadline").
		Updates(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetJob(ctx, job.JobID); err != nil {
			return wrapStoreError(errorSubjectJob, errorCodeUpdate, err)
		}
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, jobs.ErrJobSuperseded)
	}
	return nil
}

// ClaimJob takes or renews the lease of a non-terminal job in one conditional UPDATE, so two
// instances can never both win the same expired lease.
func (store *JobStore) ClaimJob(ctx context.Context, jobID string, owner string, leaseUntil time.Time, now time.Time) (jobs.Job, error) {
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalStatuses).
		Where("(owner = ? OR owner = '' OR lease_expires_at < ?)", owner, now.UTC()).
		Updates(map[string]any{"owner": owner, "lease_expires_at": leaseUntil.UTC()})
	if result.Error != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeClaim, result.Error)
	}
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return jobs.Job{}, err
	}
	if result.RowsAffected == 0 {
		if job.Status.IsTerminal() {
			return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeClaim, jobs.ErrJobFinished)
		}
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeClaim, jobs.ErrLeaseHeld)
	}
	return job, nil
}

func (store *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalStatuses).
		Update("cancel_requested", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetJob(ctx, jobID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, jobs.ErrJobFinished)
	}
	return nil
}

func (store *JobStore) ListJobs(ctx context.Context, accountID int64, limit int) ([]jobs.Job, error) {
	var models []GenerationJob
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("job_id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return fromJobModels(models)
}

func (store *JobStore) ListActiveJobs(ctx context.Context) ([]jobs.Job, error) {
	var models []GenerationJob
	err := store.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return fromJobModels(models)
}

func (store *JobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]jobs.Job, error) {
	var models []GenerationJob
	err := store.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminalStatuses, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return fromJobModels(models)
}

func (store *JobStore) DeleteJobs(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Where("job_id IN ?", jobIDs).Delete(&GenerationJob{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeDelete, err)
	}
	return nil
}

func toJobModel(job jobs.Job) (GenerationJob, error) {
	params := []byte("{}")
	if job.Params != nil {
		encoded, err := json.Marshal(job.Params.Values())
		if err != nil {
			return GenerationJob{}, err
		}
		params = encoded
	}
	return GenerationJob{
		JobID:               job.JobID,
		AccountID:           job.AccountID,
		Kind:                job.Kind.String(),
		Prompt:              job.Prompt,
		Params:              datatypes.JSON(params),
		Cost:                job.Cost,
		Status:              job.Status.String(),
		Handle:              string(job.Handle),
		ArtifactRef:         job.ArtifactRef,
		ArtifactContentType: job.ArtifactContentType,
		ErrorCode:           string(job.ErrorCode),
		ErrorMessage:        job.ErrorMessage,
		FundsReturned:       job.FundsReturned,
		Owner:               job.Owner,
		LeaseExpiresAt:      job.LeaseExpiresAt.UTC(),
		CancelRequested:     job.CancelRequested,
		CreatedAt:           job.CreatedAt.UTC(),
		UpdatedAt:           job.UpdatedAt.UTC(),
		Deadline:            job.Deadline.UTC(),
	}, nil
}

func fromJobModels(models []GenerationJob) ([]jobs.Job, error) {
	result := make([]jobs.Job, 0, len(models))
	for _, model := range models {
		job, err := fromJobModel(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		result = append(result, job)
	}
	return result, nil
}

func fromJobModel(model GenerationJob) (jobs.Job, error) {
	kind, err := jobs.ParseKind(model.Kind)
	if err != nil {
		return jobs.Job{}, err
	}
	status, err := jobs.ParseStatus(model.Status)
	if err != nil {
		return jobs.Job{}, err
	}
	params, err := jobs.DecodeParams(kind, model.Params)
	if err != nil {
		return jobs.Job{}, err
	}
	return jobs.Job{
		JobID:               model.JobID,
		AccountID:           model.AccountID,
		Kind:                kind,
		Prompt:              model.Prompt,
		Params:              params,
		Cost:                model.Cost,
		Status:              status,
		Handle:              jobs.Handle(model.Handle),
		ArtifactRef:         model.ArtifactRef,
		ArtifactContentType: model.ArtifactContentType,
		ErrorCode:           jobs.ErrorCode(model.ErrorCode),
		ErrorMessage:        model.ErrorMessage,
		FundsReturned:       model.FundsReturned,
		Owner:               model.Owner,
		LeaseExpiresAt:      model.LeaseExpiresAt,
		CancelRequested:     model.CancelRequested,
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
		Deadline:            model.Deadline,
	}, nil
}
