package visit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCountQuery_BranchOnly(t *testing.T) {
	sql, args, err := buildCountQuery(ListFilter{BranchID: "branch-1"})
	require.NoError(t, err)

	assert.Contains(t, sql, `SELECT COUNT(*) FROM "patient_visit"`)
	assert.Contains(t, sql, `"branch_id" = $1`)
	assert.Contains(t, sql, `"archived_at" IS NULL`)
	assert.Equal(t, []interface{}{"branch-1"}, args)
}

func TestBuildCountQuery_IncludeArchived(t *testing.T) {
	sql, _, err := buildCountQuery(ListFilter{BranchID: "branch-1", IncludeArchived: true})
	require.NoError(t, err)
	assert.NotContains(t, sql, "archived_at")
}

func TestBuildListQuery_AllFilters(t *testing.T) {
	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	patient := uuid.New()

	sql, args, err := buildListQuery(ListFilter{
		BranchID:    "branch-1",
		Stage:       StageLab,
		Status:      StatusInProgress,
		PatientID:   patient,
		CreatedFrom: &from,
		CreatedTo:   &to,
	}, 20, 40)
	require.NoError(t, err)

	assert.Contains(t, sql, `FROM "patient_visit"`)
	assert.Contains(t, sql, `"current_stage" = $2`)
	assert.Contains(t, sql, `"status" = $3`)
	assert.Contains(t, sql, `"patient_id" = $4`)
	assert.Contains(t, sql, `"created_at" >= $5`)
	assert.Contains(t, sql, `"created_at" < $6`)
	assert.Contains(t, sql, `ORDER BY "created_at" ASC, "visit_number" ASC`)
	assert.Contains(t, sql, "LIMIT ")
	assert.Contains(t, sql, "OFFSET ")
	assert.Contains(t, sql, `"document"`)

	require.GreaterOrEqual(t, len(args), 6)
	assert.Equal(t, "branch-1", args[0])
	assert.Equal(t, "lab", args[1])
	assert.Equal(t, patient.String(), args[3])
}

func TestVisitDocument_RoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	front := StageRecord{Stage: StageFrontDesk, Round: 1, ClockedInBy: &StaffRef{ID: "desk-1"}, ClockedInAt: &at}
	v := &Visit{
		ID:          uuid.New(),
		Stages:      map[Stage]*StageRecord{StageFrontDesk: &front},
		Assignments: map[Stage]StaffRef{StageDoctor: {ID: "doc-1", Name: "Dr. Yaw Asante"}},
		CreatedBy:   StaffRef{ID: "desk-1"},
		Cancellation: &Cancellation{
			By: StaffRef{ID: "desk-1"}, At: at, Reason: "left", Stage: StageFrontDesk,
		},
	}

	raw, err := encodeDocument(v)
	require.NoError(t, err)

	var got Visit
	got.ID = v.ID
	require.NoError(t, decodeDocument(raw, &got))
	assert.Equal(t, "desk-1", got.Stages[StageFrontDesk].ClockedInBy.ID)
	assert.True(t, got.Stages[StageFrontDesk].ClockedInAt.Equal(at))
	assert.Equal(t, "doc-1", got.Assignments[StageDoctor].ID)
	assert.Equal(t, "left", got.Cancellation.Reason)
	assert.Nil(t, got.FinalClockOut)
}

func TestDecodeDocument_EmptyStages(t *testing.T) {
	var v Visit
	require.NoError(t, decodeDocument([]byte(`{"created_by":{"id":"desk-1","name":"","role":""}}`), &v))
	assert.NotNil(t, v.Stages)

	assert.Error(t, decodeDocument([]byte(`{"stages":`), &v))
}
