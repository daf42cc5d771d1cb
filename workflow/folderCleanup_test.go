package workflow

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/models"
)

func planFromSnapshot(t *testing.T, snapshot *treeSnapshot, applicationId int) *consolidationPlan {
	t.Helper()
	roots := snapshot.rootsByApplication()[applicationId]
	if len(roots) == 0 {
		t.Fatalf("fixture has no roots for application %d", applicationId)
	}
	return buildConsolidationPlan(roots, snapshot.childrenByParent(), snapshot.filesByFolder())
}

func TestConsolidationPlan_TwoRoots(t *testing.T) {
	// F1 (older, 2 files) and F2 (newer, 1 file); F1 must survive with 3 files.
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(1, "F1", nil, 10, 0),
			testFolder(2, "F2", nil, 10, time.Hour),
		},
		Files: []*models.File{
			testFile(100, intPtr(1), 10),
			testFile(101, intPtr(1), 10),
			testFile(102, intPtr(2), 10),
		},
	}

	plan := planFromSnapshot(t, snapshot, 10)
	if plan.SurvivorId != 1 {
		t.Fatalf("expected earliest root 1 to survive, got %d", plan.SurvivorId)
	}
	if len(plan.FileMoves) != 1 || plan.FileMoves[0].FileId != 102 || plan.FileMoves[0].To != 1 {
		t.Errorf("expected file 102 to move into folder 1, got %+v", plan.FileMoves)
	}
	if len(plan.DeletedFolders) != 1 || plan.DeletedFolders[0].FolderId != 2 {
		t.Errorf("expected folder 2 deleted, got %+v", plan.DeletedFolders)
	}
	if plan.ChildrenMerged != 0 {
		t.Errorf("no children to merge, got %d", plan.ChildrenMerged)
	}
}

func TestConsolidationPlan_Deterministic(t *testing.T) {
	// Three roots at t1<t2<t3; the t1 root survives regardless of row order.
	build := func(order []int) *consolidationPlan {
		byId := map[int]*models.Folder{
			1: testFolder(1, "a", nil, 10, 0),
			2: testFolder(2, "b", nil, 10, time.Hour),
			3: testFolder(3, "c", nil, 10, 2*time.Hour),
		}
		snapshot := &treeSnapshot{}
		for _, id := range order {
			snapshot.Folders = append(snapshot.Folders, byId[id])
		}
		return planFromSnapshot(t, snapshot, 10)
	}

	orders := [][]int{{1, 2, 3}, {3, 2, 1}, {2, 3, 1}}
	for _, order := range orders {
		plan := build(order)
		if plan.SurvivorId != 1 {
			t.Errorf("order %v: expected survivor 1, got %d", order, plan.SurvivorId)
		}
		deleted := []int{plan.DeletedFolders[0].FolderId, plan.DeletedFolders[1].FolderId}
		if !reflect.DeepEqual(deleted, []int{2, 3}) {
			t.Errorf("order %v: expected folders 2 and 3 deleted in creation order, got %v", order, deleted)
		}
	}
}

func TestConsolidationPlan_MergesSameNamedChildren(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(1, "root", nil, 10, 0),
			testFolder(2, "root", nil, 10, time.Hour),
			testFolder(3, "income", intPtr(1), 10, 10*time.Minute), // survivor's child
			testFolder(4, "income", intPtr(2), 10, 70*time.Minute), // duplicate name
			testFolder(5, "collateral", intPtr(2), 10, 80*time.Minute),
		},
		Files: []*models.File{
			testFile(100, intPtr(4), 10),
		},
	}

	plan := planFromSnapshot(t, snapshot, 10)
	if plan.ChildrenMerged != 1 {
		t.Fatalf("expected 1 merged child, got %d", plan.ChildrenMerged)
	}

	// file inside the duplicate child lands in the survivor's child
	if len(plan.FileMoves) != 1 || plan.FileMoves[0].FileId != 100 || plan.FileMoves[0].To != 3 {
		t.Errorf("expected file 100 to move into folder 3, got %+v", plan.FileMoves)
	}

	// the uniquely named child re-parents to the surviving root
	found := false
	for _, move := range plan.ChildMoves {
		if move.FolderId == 5 && move.To == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected folder 5 re-parented to root 1, got %+v", plan.ChildMoves)
	}

	// duplicate child and losing root both deleted
	deleted := map[int]bool{}
	for _, d := range plan.DeletedFolders {
		deleted[d.FolderId] = true
	}
	if !deleted[4] || !deleted[2] {
		t.Errorf("expected folders 4 and 2 deleted, got %+v", plan.DeletedFolders)
	}
}

func TestConsolidationPlan_SingleRootIsNoop(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(1, "root", nil, 10, 0),
			testFolder(2, "docs", intPtr(1), 10, time.Hour),
		},
		Files: []*models.File{testFile(100, intPtr(2), 10)},
	}
	plan := planFromSnapshot(t, snapshot, 10)
	if !plan.isEmpty() {
		t.Errorf("single-root tree must produce an empty plan, got %+v", plan)
	}
}

func TestRollbackPayloadRoundTrip(t *testing.T) {
	parent := 7
	prior := 3
	payload := &models.RollbackPayload{
		MovedFiles: []models.MovedFileSnapshot{
			{FileId: 100, PriorFolderId: &prior},
			{FileId: 101, PriorFolderId: nil},
		},
		MovedChildren: []models.MovedChildSnapshot{
			{FolderId: 5, PriorParentId: &parent},
		},
		DeletedFolders: []models.DeletedFolderSnapshot{
			{FolderId: 2, Name: "F2", ParentId: nil, ApplicationId: 10, CreatedAt: fixtureBase},
		},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	record := models.CleanupRollbackRecord{Payload: string(encoded)}
	decoded, err := record.DecodePayload()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Errorf("payload round trip mismatch:\n got %+v\nwant %+v", decoded, payload)
	}
}

func TestAppendPlanToPayload(t *testing.T) {
	prior := 2
	plan := &consolidationPlan{
		ApplicationId: 10,
		SurvivorId:    1,
		FileMoves:     []fileMove{{FileId: 100, From: &prior, To: 1}},
		ChildMoves:    []childMove{{FolderId: 5, From: &prior, To: 1}},
		DeletedFolders: []models.DeletedFolderSnapshot{
			{FolderId: 2, Name: "F2", ApplicationId: 10, CreatedAt: fixtureBase},
		},
	}

	payload := &models.RollbackPayload{}
	appendPlanToPayload(payload, plan)

	if len(payload.MovedFiles) != 1 || payload.MovedFiles[0].FileId != 100 || *payload.MovedFiles[0].PriorFolderId != 2 {
		t.Errorf("moved file snapshot wrong: %+v", payload.MovedFiles)
	}
	if len(payload.MovedChildren) != 1 || payload.MovedChildren[0].FolderId != 5 || *payload.MovedChildren[0].PriorParentId != 2 {
		t.Errorf("moved child snapshot wrong: %+v", payload.MovedChildren)
	}
	if len(payload.DeletedFolders) != 1 || payload.DeletedFolders[0].FolderId != 2 {
		t.Errorf("deleted folder snapshot wrong: %+v", payload.DeletedFolders)
	}
}
