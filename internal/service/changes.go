package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/CipherSync/internal/models"
)

var (
	// ErrConflict is returned by Push when the user's head moved past the
	// client's base cursor.
	ErrConflict = errors.New("head moved past base cursor")
	// ErrInvalidChange is returned for pushes that fail validation.
	ErrInvalidChange = errors.New("invalid change")
)

// MaxPushChanges bounds the number of changes in one push.
const MaxPushChanges = 10000

// ChangesRepository defines the persistence operations needed by the
// ChangesService.
type ChangesRepository interface {
	// Head returns the newest cursor of login, or 0.
	Head(ctx context.Context, login string) (int64, error)
	// ChangesSince returns changes with since < cursor <= upTo.
	ChangesSince(ctx context.Context, login string, since, upTo int64) ([]models.Change, error)
	// Append stores changes if the head still equals base.
	Append(ctx context.Context, login string, base int64, changes []models.Change) (int64, bool, error)
}

// ChangesService serves the per-user change feed.
type ChangesService struct {
	repo ChangesRepository
}

// NewChangesService constructs a ChangesService on repo.
func NewChangesService(repo ChangesRepository) *ChangesService {
	return &ChangesService{repo: repo}
}

// Fetch returns the changes of login after since together with the head
// they lead up to.
func (s *ChangesService) Fetch(ctx context.Context, login string, since int64) (models.FetchResponse, error) {
	if since < 0 {
		return models.FetchResponse{}, fmt.Errorf("%w: negative cursor", ErrInvalidChange)
	}
	head, err := s.repo.Head(ctx, login)
	if err != nil {
		return models.FetchResponse{}, err
	}
	resp := models.FetchResponse{Changes: []models.Change{}, Head: head}
	if since >= head {
		return resp, nil
	}
	resp.Changes, err = s.repo.ChangesSince(ctx, login, since, head)
	if err != nil {
		return models.FetchResponse{}, err
	}
	return resp, nil
}

// Push appends the changes of one replica.
func (s *ChangesService) Push(ctx context.Context, login string, req models.PushRequest) (models.PushResponse, error) {
	if err := validatePush(req); err != nil {
		return models.PushResponse{}, err
	}
	if len(req.Changes) == 0 {
		head, err := s.repo.Head(ctx, login)
		if err != nil {
			return models.PushResponse{}, err
		}
		return models.PushResponse{Cursor: head}, nil
	}

	head, ok, err := s.repo.Append(ctx, login, req.BaseCursor, req.Changes)
	if err != nil {
		return models.PushResponse{}, err
	}
	if !ok {
		return models.PushResponse{}, fmt.Errorf("%w: base %d, head %d", ErrConflict, req.BaseCursor, head)
	}
	return models.PushResponse{Cursor: head}, nil
}

func validatePush(req models.PushRequest) error {
	if req.ReplicaID == "" {
		return fmt.Errorf("%w: missing replica id", ErrInvalidChange)
	}
	if req.BaseCursor < 0 {
		return fmt.Errorf("%w: negative base cursor", ErrInvalidChange)
	}
	if len(req.Changes) > MaxPushChanges {
		return fmt.Errorf("%w: %d changes in one push", ErrInvalidChange, len(req.Changes))
	}
	for i, ch := range req.Changes {
		switch {
		case ch.Key == "":
			return fmt.Errorf("%w: change %d has no key", ErrInvalidChange, i)
		case ch.ReplicaID != req.ReplicaID:
			return fmt.Errorf("%w: change %d from replica %q", ErrInvalidChange, i, ch.ReplicaID)
		}
		switch ch.Op {
		case "insert", "update":
			if len(ch.Value) == 0 {
				return fmt.Errorf("%w: change %d has no value", ErrInvalidChange, i)
			}
		case "delete":
		default:
			return fmt.Errorf("%w: change %d has op %q", ErrInvalidChange, i, ch.Op)
		}
	}
	return nil
}
