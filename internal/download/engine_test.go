package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/archive"
	"github.com/mochat/wearchive/internal/dedup"
	"github.com/mochat/wearchive/internal/dispatch"
	"github.com/mochat/wearchive/internal/domain"
	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/repo"
)

// fakeClient serves attachments out of a map, split into fixed chunks.
type fakeClient struct {
	mu         sync.Mutex
	files      map[string][]byte
	chunkSize  int
	chunkCalls int
	endless    bool
}

func (c *fakeClient) FetchBatch(context.Context, uint64, int) (*archive.Batch, error) {
	return &archive.Batch{}, nil
}

func (c *fakeClient) FetchChunk(_ context.Context, token, fileRef string) (*archive.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkCalls++
	if c.endless {
		return &archive.Chunk{Data: []byte("x"), NextToken: "more", Final: false}, nil
	}
	data, ok := c.files[fileRef]
	if !ok {
		return nil, &archive.CodeError{Code: 10001, Msg: "no such file"}
	}
	off := 0
	if token != "" {
		var err error
		if off, err = parseOffset(token); err != nil {
			return nil, err
		}
	}
	end := off + c.chunkSize
	if end >= len(data) {
		return &archive.Chunk{Data: data[off:], Final: true}, nil
	}
	return &archive.Chunk{Data: data[off:end], NextToken: offsetToken(end), Final: false}, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkCalls
}

func offsetToken(n int) string { return strconv.Itoa(n) }

func parseOffset(tok string) (int, error) { return strconv.Atoi(tok) }

// fakeStore records uploads under a flat prefix.
type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{uploaded: make(map[string]string)} }

func (s *fakeStore) RemotePath(filename string, _ time.Time) string {
	return "remote/" + filename
}

func (s *fakeStore) Upload(_ context.Context, localPath, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[key] = localPath
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, value)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type engineFixture struct {
	engine *Engine
	db     *gorm.DB
	index  *dedup.Index
	store  *fakeStore
	pub    *capturePublisher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sink := metrics.NewNopSink()
	index := dedup.NewIndex(db, dedup.NewMemoryKV(), zerolog.Nop())
	store := newFakeStore()
	pub := &capturePublisher{}
	out := dispatch.New(pub, sink, "go", "test", zerolog.Nop())
	eng := NewEngine(db, index, store, nil, out, sink, t.TempDir(), zerolog.Nop())
	return &engineFixture{engine: eng, db: db, index: index, store: store, pub: pub}
}

func imageEnvelope(t *testing.T, msgID, fileRef, sum string) (*domain.Envelope, *domain.Record) {
	t.Helper()
	raw := `{"msgid":"` + msgID + `","msgtype":"image","image":{"sdkfileid":"` + fileRef + `","md5sum":"` + sum + `"}}`
	env, err := domain.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TenantID = "corp1"
	env.Seq = 1
	rec := &domain.Record{
		TenantID: "corp1", MsgID: msgID, Seq: 1, MsgType: "image",
		DateNo: env.DateNo(), SDKFileID: fileRef, Checksum: sum, Content: raw,
	}
	return env, rec
}

func md5of(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestEngine_Run_SingleAttachment(t *testing.T) {
	fx := newEngineFixture(t)
	data := []byte("jpeg bytes here")
	sum := md5of(data)
	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 4}
	env, rec := imageEnvelope(t, "m1", "f1", sum)
	if err := repo.InsertRecordIfAbsent(fx.db, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantRemote := "remote/" + sum + ".jpg"
	if rec.StoragePath != wantRemote {
		t.Fatalf("storage path: %q", rec.StoragePath)
	}
	if env.Str("ossPath") != wantRemote {
		t.Fatalf("envelope not enriched: %q", env.Str("ossPath"))
	}
	fx.store.mu.Lock()
	local, ok := fx.store.uploaded[wantRemote]
	fx.store.mu.Unlock()
	if !ok {
		t.Fatalf("nothing uploaded")
	}
	staged, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("staged file: %v", err)
	}
	if string(staged) != string(data) {
		t.Fatalf("staged bytes differ")
	}

	got, _, _ := repo.FindRecord(fx.db, "corp1", "m1", 1)
	if got.PushStatus().State != domain.StatePushed {
		t.Fatalf("record not pushed: %+v", got.PushStatus())
	}
	if got.DownFinishAt == 0 {
		t.Fatalf("finish timestamp missing")
	}
	if len(fx.pub.bodies) != 1 {
		t.Fatalf("published %d envelopes", len(fx.pub.bodies))
	}
}

func TestEngine_Run_DedupShortCircuit(t *testing.T) {
	fx := newEngineFixture(t)
	data := []byte("shared sticker")
	sum := md5of(data)
	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 64}

	env1, rec1 := imageEnvelope(t, "m1", "f1", sum)
	repo.InsertRecordIfAbsent(fx.db, rec1)
	if err := fx.engine.Run(context.Background(), client, env1, rec1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := client.calls()
	if first == 0 {
		t.Fatalf("first run never fetched")
	}

	// Same checksum on a different message reuses the remote path.
	env2, rec2 := imageEnvelope(t, "m2", "f1", sum)
	rec2.Seq = 2
	env2.Seq = 2
	repo.InsertRecordIfAbsent(fx.db, rec2)
	if err := fx.engine.Run(context.Background(), client, env2, rec2); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if client.calls() != first {
		t.Fatalf("duplicate content fetched again")
	}
	if rec2.StoragePath != rec1.StoragePath {
		t.Fatalf("remote paths differ: %q %q", rec2.StoragePath, rec1.StoragePath)
	}
}

func TestEngine_Run_StallAbandonsRecord(t *testing.T) {
	fx := newEngineFixture(t)
	fx.engine.stall = -time.Second
	client := &fakeClient{endless: true}
	env, rec := imageEnvelope(t, "m1", "f1", "deadbeef")
	repo.InsertRecordIfAbsent(fx.db, rec)

	err := fx.engine.Run(context.Background(), client, env, rec)
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("want ErrStalled, got %v", err)
	}

	got, _, _ := repo.FindRecord(fx.db, "corp1", "m1", 1)
	if got.PushStatus().State != domain.StateAbandoned {
		t.Fatalf("record not abandoned: %+v", got.PushStatus())
	}
	if got.DownFailAt == 0 {
		t.Fatalf("failure timestamp missing")
	}
	// The partial staging file is removed.
	entries, _ := os.ReadDir(fx.engine.stagingDir)
	if len(entries) != 0 {
		t.Fatalf("partial file left behind: %v", entries)
	}
	if len(fx.pub.bodies) != 0 {
		t.Fatalf("stalled record was published")
	}
}

func TestEngine_Run_BigFileIgnoresStall(t *testing.T) {
	fx := newEngineFixture(t)
	fx.engine.stall = -time.Second
	data := []byte("a very large recording")
	sum := md5of(data)
	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 3}
	env, rec := imageEnvelope(t, "m1", "f1", sum)
	env.Set("big_file", true)
	repo.InsertRecordIfAbsent(fx.db, rec)

	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("big-file run: %v", err)
	}
	if rec.StoragePath == "" {
		t.Fatalf("big file not uploaded")
	}
}

func TestEngine_Run_InFlightChecksumDefers(t *testing.T) {
	fx := newEngineFixture(t)
	data := []byte("contended")
	sum := md5of(data)
	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 64}
	env, rec := imageEnvelope(t, "m1", "f1", sum)
	repo.InsertRecordIfAbsent(fx.db, rec)

	if !fx.index.TryMarkDownloading(context.Background(), sum) {
		t.Fatalf("flag seed failed")
	}
	err := fx.engine.Run(context.Background(), client, env, rec)
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("want ErrInFlight, got %v", err)
	}
	if client.calls() != 0 {
		t.Fatalf("contended checksum was fetched")
	}

	// Past the bypass threshold the flag no longer blocks.
	env.SetTryCount(inFlightBypassTries)
	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("bypass run: %v", err)
	}
}

func TestEngine_Run_VoiceTranscodes(t *testing.T) {
	fx := newEngineFixture(t)
	fx.engine.transcode = func(_ context.Context, src, dst string) error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	}

	data := []byte("amr frames")
	sum := md5of(data)
	raw := `{"msgid":"m1","msgtype":"voice","voice":{"sdkfileid":"f1","md5sum":"` + sum + `"}}`
	env, err := domain.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TenantID = "corp1"
	env.Seq = 1
	rec := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "voice", DateNo: env.DateNo(), Content: raw}
	repo.InsertRecordIfAbsent(fx.db, rec)

	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 64}
	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.StoragePath != "remote/"+sum+".mp3" {
		t.Fatalf("transcoded path: %q", rec.StoragePath)
	}
}

func TestEngine_Run_CompositeRewritesItems(t *testing.T) {
	fx := newEngineFixture(t)
	data := []byte("nested image")
	sum := md5of(data)
	desc, _ := json.Marshal(map[string]any{"sdkfileid": "f1", "md5sum": sum})
	payload := map[string]any{
		"msgid":   "m1",
		"msgtype": "mixed",
		"mixed": map[string]any{
			"item": []any{
				map[string]any{"type": "text", "content": `{"content":"hi"}`},
				map[string]any{"type": "image", "content": string(desc)},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	env, err := domain.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TenantID = "corp1"
	env.Seq = 1
	rec := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "mixed", DateNo: env.DateNo(), Content: string(raw)}
	repo.InsertRecordIfAbsent(fx.db, rec)

	client := &fakeClient{files: map[string][]byte{"f1": data}, chunkSize: 64}
	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	items := env.Section("mixed")["item"].([]any)
	imgContent, _ := items[1].(map[string]any)["content"].(string)
	var rewritten map[string]any
	if err := json.Unmarshal([]byte(imgContent), &rewritten); err != nil {
		t.Fatalf("rewritten item: %v", err)
	}
	if rewritten["ossPath"] != "remote/"+sum+".jpg" {
		t.Fatalf("item not enriched: %v", rewritten["ossPath"])
	}
	// The text item is untouched.
	if got, _ := items[0].(map[string]any)["content"].(string); got != `{"content":"hi"}` {
		t.Fatalf("text item rewritten: %q", got)
	}
}

func TestEngine_Run_NoAttachmentIsPublishOnly(t *testing.T) {
	fx := newEngineFixture(t)
	raw := `{"msgid":"m1","msgtype":"image","image":{}}`
	env, err := domain.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.TenantID = "corp1"
	env.Seq = 1
	rec := &domain.Record{TenantID: "corp1", MsgID: "m1", Seq: 1, MsgType: "image", DateNo: env.DateNo(), Content: raw}
	repo.InsertRecordIfAbsent(fx.db, rec)

	client := &fakeClient{files: map[string][]byte{}, chunkSize: 64}
	if err := fx.engine.Run(context.Background(), client, env, rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls() != 0 {
		t.Fatalf("descriptor-less envelope fetched")
	}
	if len(fx.pub.bodies) != 1 {
		t.Fatalf("published %d envelopes", len(fx.pub.bodies))
	}
}
