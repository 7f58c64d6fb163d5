// Package workspace implements the Project Workspace: a per-project
// content-addressed filesystem with named branches (lines of commits), a
// safe-path resolver, and a commit log queryable for diffs and history.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
)

// commitSubjectPattern is the wire-compatible contract from SPEC_FULL.md §6.
var commitSubjectPattern = regexp.MustCompile(`^(step-\d+ \([a-z_]+\) :: )?agentRunId=[a-zA-Z0-9_-]+$`)

// ChangeKind identifies the kind of change a diff hunk represents.
type ChangeKind string

const (
	Add    ChangeKind = "add"
	Modify ChangeKind = "modify"
	Delete ChangeKind = "delete"
)

// DiffEntry describes one file's change between two commits.
type DiffEntry struct {
	Path string
	Kind ChangeKind
	Hunk string
}

// Commit is one entry in a branch's commit log.
type Commit struct {
	Hash      string
	Subject   string
	Author    string
	Timestamp time.Time
	// tree is the path -> content-hash mapping at this commit, used to
	// compute diffs and to answer read()/list() against this commit.
	tree map[string]string
}

// ReadResult is returned by Read.
type ReadResult struct {
	Exists      bool
	Content     []byte
	ContentHash string
}

// StatResult is returned by Stat.
type StatResult struct {
	Exists bool
	Size   int64
	Mode   os.FileMode
}

// Workspace is a single project's content-addressed filesystem.
type Workspace struct {
	projectID string
	root      string // on-disk blob store root; shared by all branches

	branches map[string][]*Commit // branch name -> commit log, most-recent last
	working  map[string]map[string][]byte // branch -> path -> staged working-tree content
}

// New creates a workspace rooted at dir for the given project. dir is
// created if it does not exist.
func New(projectID, dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{
		projectID: projectID,
		root:      dir,
		branches:  map[string][]*Commit{},
		working:   map[string]map[string][]byte{},
	}, nil
}

func blobHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// resolvePath resolves path against the workspace root and rejects any
// resolution that escapes it, mirroring the probe fileops safe-path
// discipline: Abs + Clean, then a prefix check against the root.
func (w *Workspace) resolvePath(path string) (string, error) {
	cleaned := filepath.Clean("/" + path) // treat paths as workspace-rooted, not host-rooted
	joined := filepath.Join(w.root, cleaned)
	absRoot, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", kernelerr.New(kernelerr.PathEscape, "path %q escapes workspace root", path)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func (w *Workspace) tree(branch string) map[string]string {
	commits := w.branches[branch]
	if len(commits) == 0 {
		return map[string]string{}
	}
	return commits[len(commits)-1].tree
}

func (w *Workspace) blobContent(hash string) ([]byte, bool) {
	p := filepath.Join(w.root, ".blobs", hash)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (w *Workspace) storeBlob(content []byte) (string, error) {
	hash := blobHash(content)
	dir := filepath.Join(w.root, ".blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, hash)
	if _, err := os.Stat(p); err == nil {
		return hash, nil // content-addressed: already present
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return "", err
	}
	return hash, nil
}

// Read returns the content and hash of path on branch, as committed (not
// staged working-tree edits — those are visible only within the File
// Session that staged them).
func (w *Workspace) Read(branch, path string) (ReadResult, error) {
	cleanPath, err := w.resolvePath(path)
	if err != nil {
		return ReadResult{}, err
	}
	hash, ok := w.tree(branch)[cleanPath]
	if !ok {
		return ReadResult{Exists: false}, nil
	}
	content, ok := w.blobContent(hash)
	if !ok {
		return ReadResult{}, kernelerr.New(kernelerr.NotFound, "blob %s missing for %s", hash, path)
	}
	return ReadResult{Exists: true, Content: content, ContentHash: hash}, nil
}

// Write stages content into the branch's working tree; it has no commit
// side-effect until Commit is called.
func (w *Workspace) Write(branch, path string, content []byte) error {
	cleanPath, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	if w.working[branch] == nil {
		w.working[branch] = map[string][]byte{}
	}
	w.working[branch][cleanPath] = content
	return nil
}

// Stat reports existence/size/mode for path on branch (committed tree
// merged with any staged working-tree writes).
func (w *Workspace) Stat(branch, path string) (StatResult, error) {
	cleanPath, err := w.resolvePath(path)
	if err != nil {
		return StatResult{}, err
	}
	if staged, ok := w.working[branch][cleanPath]; ok {
		return StatResult{Exists: true, Size: int64(len(staged)), Mode: 0o644}, nil
	}
	hash, ok := w.tree(branch)[cleanPath]
	if !ok {
		return StatResult{Exists: false}, nil
	}
	content, _ := w.blobContent(hash)
	return StatResult{Exists: true, Size: int64(len(content)), Mode: 0o644}, nil
}

// List returns every path under prefix on branch, lexicographically sorted.
func (w *Workspace) List(branch, prefix string) ([]string, error) {
	cleanPrefix, err := w.resolvePath(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for p := range w.tree(branch) {
		if strings.HasPrefix(p, cleanPrefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// BranchFrom creates a new branch pointing at commitHash's tree. If
// commitHash is empty, the branch starts with an empty tree.
func (w *Workspace) BranchFrom(name, commitHash string) error {
	if commitHash == "" {
		w.branches[name] = nil
		return nil
	}
	for _, commits := range w.branches {
		for _, c := range commits {
			if c.Hash == commitHash {
				w.branches[name] = []*Commit{c}
				return nil
			}
		}
	}
	return kernelerr.New(kernelerr.NotFound, "commit %s not found", commitHash)
}

// BranchHead returns the current HEAD commit hash of branch, or "" if the
// branch has no commits yet.
func (w *Workspace) BranchHead(branch string) string {
	commits := w.branches[branch]
	if len(commits) == 0 {
		return ""
	}
	return commits[len(commits)-1].Hash
}

// ResetHard discards any staged working-tree edits and moves branch's HEAD
// back to commitHash, which must already be in the branch's history or any
// other branch's history (used by the kernel's rollback-to-lastValidCommit
// path).
func (w *Workspace) ResetHard(branch, commitHash string) error {
	delete(w.working, branch)
	if commitHash == "" {
		w.branches[branch] = nil
		return nil
	}
	for _, commits := range w.branches {
		for i, c := range commits {
			if c.Hash == commitHash {
				w.branches[branch] = []*Commit{commits[i]}
				return nil
			}
		}
	}
	return kernelerr.New(kernelerr.NotFound, "commit %s not found", commitHash)
}

// ListCommits returns up to limit commits for branch, most recent first.
func (w *Workspace) ListCommits(branch string, limit int) []Commit {
	commits := w.branches[branch]
	var out []Commit
	for i := len(commits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *commits[i])
	}
	return out
}

// Diff computes the file-level diff between two commit hashes.
func (w *Workspace) Diff(fromHash, toHash string) ([]DiffEntry, error) {
	fromTree, err := w.treeAt(fromHash)
	if err != nil {
		return nil, err
	}
	toTree, err := w.treeAt(toHash)
	if err != nil {
		return nil, err
	}
	var entries []DiffEntry
	for path, toHashVal := range toTree {
		if fromHashVal, ok := fromTree[path]; !ok {
			entries = append(entries, DiffEntry{Path: path, Kind: Add, Hunk: summarizeBlob(w, toHashVal)})
		} else if fromHashVal != toHashVal {
			entries = append(entries, DiffEntry{Path: path, Kind: Modify, Hunk: summarizeBlob(w, toHashVal)})
		}
	}
	for path := range fromTree {
		if _, ok := toTree[path]; !ok {
			entries = append(entries, DiffEntry{Path: path, Kind: Delete})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func summarizeBlob(w *Workspace, hash string) string {
	content, ok := w.blobContent(hash)
	if !ok {
		return ""
	}
	if len(content) > 200 {
		return string(content[:200]) + "..."
	}
	return string(content)
}

func (w *Workspace) treeAt(hash string) (map[string]string, error) {
	if hash == "" {
		return map[string]string{}, nil
	}
	for _, commits := range w.branches {
		for _, c := range commits {
			if c.Hash == hash {
				return c.tree, nil
			}
		}
	}
	return nil, kernelerr.New(kernelerr.NotFound, "commit %s not found", hash)
}

// CommitStaged is an internal primitive used by the File Session: it
// materializes every currently-staged working-tree write for branch as a
// new tree, persists the blobs, and appends a commit. Subject MUST match
// commitSubjectPattern (§6). Empty commits (no staged changes relative to
// the prior tree) fail with EmptyCommit.
func (w *Workspace) CommitStaged(branch, subject, author string) (string, error) {
	if !commitSubjectPattern.MatchString(subject) {
		return "", kernelerr.New(kernelerr.EmptyCommit, "commit subject %q does not match the required contract", subject)
	}
	staged := w.working[branch]
	if len(staged) == 0 {
		return "", kernelerr.New(kernelerr.EmptyCommit, "no staged changes on branch %s", branch)
	}

	prior := w.tree(branch)
	newTree := map[string]string{}
	for k, v := range prior {
		newTree[k] = v
	}
	changed := false
	for path, content := range staged {
		if content == nil {
			if _, existed := newTree[path]; existed {
				delete(newTree, path)
				changed = true
			}
			continue
		}
		hash, err := w.storeBlob(content)
		if err != nil {
			return "", err
		}
		if newTree[path] != hash {
			changed = true
		}
		newTree[path] = hash
	}
	if !changed {
		return "", kernelerr.New(kernelerr.EmptyCommit, "staged changes did not alter the tree on branch %s", branch)
	}

	commitHash := blobHash([]byte(fmt.Sprintf("%s|%s|%d|%v", branch, subject, len(w.branches[branch]), newTree)))
	commit := &Commit{Hash: commitHash, Subject: subject, Author: author, Timestamp: time.Now().UTC(), tree: newTree}
	w.branches[branch] = append(w.branches[branch], commit)
	delete(w.working, branch)
	return commitHash, nil
}

// DiscardStaged drops any uncommitted working-tree writes for branch,
// leaving the branch HEAD untouched — the File Session's AbortStep path.
func (w *Workspace) DiscardStaged(branch string) {
	delete(w.working, branch)
}
