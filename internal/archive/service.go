// Package archive snapshots conversation transcripts into per-pair git
// repositories. Each snapshot is a commit, so the archive keeps a tamper
// evident history of what a conversation looked like at archival time.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"mednet/api/internal/store"
)

// ErrNoArchive is returned when a conversation has never been archived.
var ErrNoArchive = errors.New("no archive for conversation")

// Entry is one archived message.
type Entry struct {
	ID                  string     `json:"id"`
	SenderHospitalID    string     `json:"senderHospitalId"`
	RecipientHospitalID string     `json:"recipientHospitalId"`
	Content             string     `json:"content"`
	Kind                string     `json:"kind"`
	CreatedAt           time.Time  `json:"createdAt"`
	ReadAt              *time.Time `json:"readAt,omitempty"`
	SenderName          string     `json:"senderName,omitempty"`
}

// Transcript is the archived state of one conversation.
type Transcript struct {
	Hospitals  []string  `json:"hospitals"`
	ArchivedAt time.Time `json:"archivedAt"`
	Messages   []Entry   `json:"messages"`
}

// CommitInfo describes one archive snapshot.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages the per-conversation archive repositories under baseDir.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// PairID is the canonical repository name for an unordered hospital pair.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "__" + ids[1]
}

// Snapshot archives the current transcript of the conversation between two
// hospitals. An unchanged transcript returns the existing head commit.
func (s *Service) Snapshot(hospitalA, hospitalB string, messages []store.Message, author, message string) (CommitInfo, error) {
	pair := PairID(hospitalA, hospitalB)
	lock := s.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(pair)
	if err != nil {
		return CommitInfo{}, err
	}

	hospitals := []string{hospitalA, hospitalB}
	sort.Strings(hospitals)
	transcript := Transcript{
		Hospitals:  hospitals,
		ArchivedAt: time.Now().UTC(),
		Messages:   toEntries(messages),
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal transcript: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), "transcript.json"), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write transcript: %w", err)
	}
	if _, err := worktree.Add("transcript.json"); err != nil {
		return CommitInfo{}, fmt.Errorf("git add transcript: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return s.headInfoLocked(repo)
		}
		return CommitInfo{}, fmt.Errorf("commit transcript: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the most recent archived transcript.
func (s *Service) Head(hospitalA, hospitalB string) (Transcript, CommitInfo, error) {
	pair := PairID(hospitalA, hospitalB)
	lock := s.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(pair)
	if err != nil {
		return Transcript{}, CommitInfo{}, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Transcript{}, CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Transcript{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	transcript, err := readTranscript(commitObj)
	if err != nil {
		return Transcript{}, CommitInfo{}, err
	}
	return transcript, toCommitInfo(commitObj), nil
}

// GetByHash returns the transcript archived at a specific snapshot.
func (s *Service) GetByHash(hospitalA, hospitalB, hash string) (Transcript, error) {
	pair := PairID(hospitalA, hospitalB)
	lock := s.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(pair)
	if err != nil {
		return Transcript{}, err
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Transcript{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Transcript{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readTranscript(commitObj)
}

// History lists archive snapshots, newest first.
func (s *Service) History(hospitalA, hospitalB string, limit int) ([]CommitInfo, error) {
	pair := PairID(hospitalA, hospitalB)
	lock := s.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(pair)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(pair string) string {
	return filepath.Join(s.baseDir, pair)
}

func (s *Service) pairLock(pair string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[pair]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[pair] = lock
	return lock
}

func (s *Service) openRepo(pair string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(pair))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNoArchive
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) ensureRepo(pair string) (*git.Repository, error) {
	path := s.repoPath(pair)
	if _, err := os.Stat(path); err == nil {
		return git.PlainOpen(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) headInfoLocked(repo *git.Repository) (CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func toEntries(messages []store.Message) []Entry {
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, Entry{
			ID:                  m.ID,
			SenderHospitalID:    m.SenderHospitalID,
			RecipientHospitalID: m.RecipientHospitalID,
			Content:             m.Content,
			Kind:                string(m.Kind),
			CreatedAt:           m.CreatedAt,
			ReadAt:              m.ReadAt,
			SenderName:          m.SenderName,
		})
	}
	return entries
}

func readTranscript(commitObj *object.Commit) (Transcript, error) {
	file, err := commitObj.File("transcript.json")
	if err != nil {
		return Transcript{}, fmt.Errorf("load transcript.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Transcript{}, fmt.Errorf("open transcript reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Transcript{}, fmt.Errorf("read transcript bytes: %w", err)
	}

	var transcript Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return transcript, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.mednet.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
