package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/listflow/model"
)

// runStoreContract exercises the behaviour every Store implementation must
// share. newStore returns an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testStoreCreateAndGet(t, newStore(t)) })
	t.Run("CommitTransition", func(t *testing.T) { testStoreCommitTransition(t, newStore(t)) })
	t.Run("StaleCommit", func(t *testing.T) { testStoreStaleCommit(t, newStore(t)) })
	t.Run("SetStatus", func(t *testing.T) { testStoreSetStatus(t, newStore(t)) })
	t.Run("FindOldest", func(t *testing.T) { testStoreFindOldest(t, newStore(t)) })
	t.Run("ListByStage", func(t *testing.T) { testStoreListByStage(t, newStore(t)) })
	t.Run("ListActions", func(t *testing.T) { testStoreListActions(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testStoreDuplicateKey(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testStoreUsers(t, newStore(t)) })
}

var contractEpoch = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

func contractItem(id string, stage model.Stage, owner string, age time.Duration) model.Item {
	return model.Item{
		ID:        id,
		Stage:     stage,
		Status:    model.StatusActive,
		Content:   map[string]any{"title": "Item " + id, "price": 12.5, "tags": []any{"vintage"}},
		PhotoRefs: []string{"photos/" + id + ".jpg"},
		CreatedBy: owner,
		CreatedAt: contractEpoch.Add(age),
		UpdatedAt: contractEpoch.Add(age),
		Version:   1,
	}
}

func contractAction(id string, item model.Item, to model.Stage, at time.Time) model.WorkflowAction {
	return model.WorkflowAction{
		ID:        id,
		ItemID:    item.ID,
		UserID:    "u-proc",
		FromStage: item.Stage,
		ToStage:   to,
		Action:    "approve_review",
		Notes:     "looks good",
		Changes:   map[string]any{"title": "Renamed"},
		Timestamp: at,
	}
}

func testStoreCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	in := contractItem("it-1", model.StageReviewEdit, "u-photo", 0)
	require.NoError(t, s.CreateItem(ctx, in))

	got, err := s.GetItem(ctx, "it-1")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, in.Stage, got.Stage)
	require.Equal(t, in.Status, got.Status)
	require.Equal(t, in.Content, got.Content)
	require.Equal(t, in.PhotoRefs, got.PhotoRefs)
	require.Equal(t, in.CreatedBy, got.CreatedBy)
	require.Equal(t, 1, got.Version)
	require.True(t, in.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, in.CreatedAt)

	err = s.CreateItem(ctx, in)
	require.True(t, model.IsCode(err, model.ErrConflict), "duplicate create: %v", err)

	_, err = s.GetItem(ctx, "missing")
	require.True(t, model.IsCode(err, model.ErrNotFound), "missing get: %v", err)
}

func testStoreCommitTransition(t *testing.T, s Store) {
	ctx := context.Background()
	item := contractItem("it-1", model.StageReviewEdit, "u-photo", 0)
	require.NoError(t, s.CreateItem(ctx, item))

	next := item.Clone()
	next.Stage = model.StagePricing
	next.Content["title"] = "Renamed"
	next.CreatedBy = "someone-else"
	at := contractEpoch.Add(time.Hour)

	stored, err := s.CommitTransition(ctx, next, contractAction("a-1", item, model.StagePricing, at))
	require.NoError(t, err)
	require.Equal(t, model.StagePricing, stored.Stage)
	require.Equal(t, 2, stored.Version)
	require.Equal(t, "u-photo", stored.CreatedBy, "creator is immutable")
	require.True(t, stored.UpdatedAt.Equal(at))

	got, err := s.GetItem(ctx, "it-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Content["title"])
	require.Equal(t, 2, got.Version)

	actions, err := s.ListActions(ctx, ActionFilter{ItemID: "it-1"})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	a := actions[0]
	require.Equal(t, "a-1", a.ID)
	require.Equal(t, model.StageReviewEdit, a.FromStage)
	require.Equal(t, model.StagePricing, a.ToStage)
	require.Equal(t, "looks good", a.Notes)
	require.Equal(t, "Renamed", a.Changes["title"])
	require.True(t, a.Timestamp.Equal(at))

	ghost := contractItem("ghost", model.StageReviewEdit, "u-photo", 0)
	_, err = s.CommitTransition(ctx, ghost, contractAction("a-2", ghost, model.StagePricing, at))
	require.True(t, model.IsCode(err, model.ErrNotFound), "commit on missing item: %v", err)
}

func testStoreStaleCommit(t *testing.T, s Store) {
	ctx := context.Background()
	item := contractItem("it-1", model.StageReviewEdit, "u-photo", 0)
	require.NoError(t, s.CreateItem(ctx, item))

	first := item.Clone()
	first.Stage = model.StagePricing
	_, err := s.CommitTransition(ctx, first, contractAction("a-1", item, model.StagePricing, contractEpoch.Add(time.Minute)))
	require.NoError(t, err)

	// A second writer still holding version 1 must lose.
	second := item.Clone()
	second.Stage = model.StageRejected
	_, err = s.CommitTransition(ctx, second, contractAction("a-2", item, model.StageRejected, contractEpoch.Add(2*time.Minute)))
	require.True(t, model.IsCode(err, model.ErrConflict), "stale commit: %v", err)

	got, err := s.GetItem(ctx, "it-1")
	require.NoError(t, err)
	require.Equal(t, model.StagePricing, got.Stage)

	actions, err := s.ListActions(ctx, ActionFilter{ItemID: "it-1"})
	require.NoError(t, err)
	require.Len(t, actions, 1, "the losing commit must not leave an audit row")
}

func testStoreSetStatus(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, contractItem("it-1", model.StagePhotoUpload, "u-photo", 0)))

	got, err := s.SetStatus(ctx, "it-1", 1, model.StatusError, "ai service timed out")
	require.NoError(t, err)
	require.Equal(t, model.StatusError, got.Status)
	require.Equal(t, "ai service timed out", got.LastError)
	require.Equal(t, model.StagePhotoUpload, got.Stage)
	require.Equal(t, 2, got.Version)

	_, err = s.SetStatus(ctx, "it-1", 1, model.StatusActive, "")
	require.True(t, model.IsCode(err, model.ErrConflict), "stale status write: %v", err)

	_, err = s.SetStatus(ctx, "missing", 1, model.StatusActive, "")
	require.True(t, model.IsCode(err, model.ErrNotFound), "status on missing item: %v", err)

	actions, err := s.ListActions(ctx, ActionFilter{ItemID: "it-1"})
	require.NoError(t, err)
	require.Empty(t, actions)
}

func testStoreFindOldest(t *testing.T, s Store) {
	ctx := context.Background()
	q := QueueQuery{Stages: []model.Stage{model.StageReviewEdit}}

	got, err := s.FindOldest(ctx, q)
	require.NoError(t, err)
	require.Nil(t, got)

	for _, it := range []model.Item{
		contractItem("r-3", model.StageReviewEdit, "u-photo", 3*time.Hour),
		contractItem("r-b", model.StageReviewEdit, "u-photo", time.Hour),
		contractItem("r-a", model.StageReviewEdit, "u-photo", time.Hour),
		contractItem("r-err", model.StageReviewEdit, "u-photo", 0),
		contractItem("p-1", model.StagePricing, "u-photo", -time.Hour),
	} {
		require.NoError(t, s.CreateItem(ctx, it))
	}
	_, err = s.SetStatus(ctx, "r-err", 1, model.StatusError, "boom")
	require.NoError(t, err)

	got, err = s.FindOldest(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "r-a", got.ID, "ties break on id; non-ACTIVE items are skipped")

	got, err = s.FindOldest(ctx, QueueQuery{Stages: q.Stages, ExcludeID: "r-a"})
	require.NoError(t, err)
	require.Equal(t, "r-b", got.ID)

	got, err = s.FindOldest(ctx, QueueQuery{Stages: []model.Stage{model.StageReviewEdit, model.StagePricing}})
	require.NoError(t, err)
	require.Equal(t, "p-1", got.ID)

	got, err = s.FindOldest(ctx, QueueQuery{Stages: []model.Stage{model.StageFinalReview}})
	require.NoError(t, err)
	require.Nil(t, got)
}

func testStoreListByStage(t *testing.T, s Store) {
	ctx := context.Background()
	for _, it := range []model.Item{
		contractItem("m-2", model.StagePhotoUpload, "u-photo", 2*time.Hour),
		contractItem("o-1", model.StagePhotoUpload, "u-photo2", time.Hour),
		contractItem("m-1", model.StagePhotoUpload, "u-photo", 0),
		contractItem("x-1", model.StagePricing, "u-photo", 0),
	} {
		require.NoError(t, s.CreateItem(ctx, it))
	}

	all, err := s.ListByStage(ctx, model.StagePhotoUpload, "")
	require.NoError(t, err)
	require.Equal(t, []string{"m-1", "o-1", "m-2"}, ids(all))

	mine, err := s.ListByStage(ctx, model.StagePhotoUpload, "u-photo")
	require.NoError(t, err)
	require.Equal(t, []string{"m-1", "m-2"}, ids(mine))

	none, err := s.ListByStage(ctx, model.StagePublished, "")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testStoreListActions(t *testing.T, s Store) {
	ctx := context.Background()
	a := contractItem("it-a", model.StageReviewEdit, "u-photo", 0)
	b := contractItem("it-b", model.StageReviewEdit, "u-photo", 0)
	require.NoError(t, s.CreateItem(ctx, a))
	require.NoError(t, s.CreateItem(ctx, b))

	t1 := contractEpoch.Add(1 * time.Hour)
	t2 := contractEpoch.Add(2 * time.Hour)
	t3 := contractEpoch.Add(3 * time.Hour)

	commit := func(item model.Item, id string, to model.Stage, at time.Time) model.Item {
		next := item.Clone()
		next.Stage = to
		stored, err := s.CommitTransition(ctx, next, contractAction(id, item, to, at))
		require.NoError(t, err)
		return stored
	}
	a2 := commit(a, "act-1", model.StagePricing, t1)
	commit(b, "act-2", model.StagePricing, t2)
	commit(a2, "act-3", model.StageFinalReview, t3)

	all, err := s.ListActions(ctx, ActionFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"act-1", "act-2", "act-3"}, actionIDs(all))

	forA, err := s.ListActions(ctx, ActionFilter{ItemID: "it-a"})
	require.NoError(t, err)
	require.Equal(t, []string{"act-1", "act-3"}, actionIDs(forA))

	window, err := s.ListActions(ctx, ActionFilter{From: t1, To: t3})
	require.NoError(t, err)
	require.Equal(t, []string{"act-1", "act-2"}, actionIDs(window), "from inclusive, to exclusive")

	limited, err := s.ListActions(ctx, ActionFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"act-1", "act-2"}, actionIDs(limited))
}

func testStoreDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()
	a := contractItem("it-a", model.StageReviewEdit, "u-photo", 0)
	b := contractItem("it-b", model.StageReviewEdit, "u-photo", 0)
	require.NoError(t, s.CreateItem(ctx, a))
	require.NoError(t, s.CreateItem(ctx, b))

	keyed := func(id string, item model.Item, to model.Stage, key string) model.WorkflowAction {
		act := contractAction(id, item, to, contractEpoch.Add(time.Hour))
		act.IdempotencyKey = key
		return act
	}

	next := a.Clone()
	next.Stage = model.StagePricing
	a2, err := s.CommitTransition(ctx, next, keyed("act-1", a, model.StagePricing, "tok-1"))
	require.NoError(t, err)

	// Same key on the same item is refused even with a fresh version.
	again := a2.Clone()
	again.Stage = model.StageFinalReview
	_, err = s.CommitTransition(ctx, again, keyed("act-2", a2, model.StageFinalReview, "tok-1"))
	require.True(t, model.IsCode(err, model.ErrConflict), "duplicate key: %v", err)

	got, err := s.GetItem(ctx, "it-a")
	require.NoError(t, err)
	require.Equal(t, model.StagePricing, got.Stage)
	require.Equal(t, 2, got.Version)

	// The key is scoped to its item, and empty keys never collide.
	other := b.Clone()
	other.Stage = model.StagePricing
	_, err = s.CommitTransition(ctx, other, keyed("act-3", b, model.StagePricing, "tok-1"))
	require.NoError(t, err)
	_, err = s.CommitTransition(ctx, again, keyed("act-4", a2, model.StageFinalReview, ""))
	require.NoError(t, err)

	found, err := s.ListActions(ctx, ActionFilter{ItemID: "it-a", IdempotencyKey: "tok-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"act-1"}, actionIDs(found))
}

func testStoreUsers(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetUser(ctx, "u-1")
	require.True(t, model.IsCode(err, model.ErrNotFound), "missing user: %v", err)

	require.NoError(t, s.PutUser(ctx, model.User{ID: "u-1", Name: "Robin", Role: model.RoleProcessor}))
	require.NoError(t, s.PutUser(ctx, model.User{ID: "u-1", Name: "Robin", Role: model.RolePricer}))

	u, err := s.GetUser(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, model.RolePricer, u.Role)
	require.Equal(t, "Robin", u.Name)

	require.NoError(t, s.Ping(ctx))
}

func actionIDs(actions []model.WorkflowAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}
