package storageserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// meta is the per-object record kept alongside its content in S3: the
// fields make_filename would otherwise encode into a disk filename
// (spec §6), since S3 has no directory structure to layer that into.
type meta struct {
	Mode   uint32
	Ctime  uint32
	Mtime  uint32
	Uid    string
	Gid    string
	Ext    string
	Length int64
}

// S3 is an objclient.ObjectStore backed by an S3 bucket: one "<oid>.data"
// key for content and one "<oid>.meta" key for the StatRecord fields
// disk.go encodes into its filename. Grounded on the original
// storage.s3Store (Get/Put/Delete over a flat key space), generalized
// here from a single blob-get/put contract to the richer
// read-at-offset/write-at-offset/truncate contract ObjectStore needs.
//
// The OID counter is kept in memory and mirrored to a "NEXTOID" key on
// every reservation; like disk.go's allocator, this assumes a single
// storage server process owns the bucket.
type S3 struct {
	client *s3.S3
	bucket string

	mu      sync.Mutex
	nextOID uint64
}

var _ objclient.ObjectStore = (*S3)(nil)

func NewS3(region, bucket, accessKey, secretKey string) (*S3, error) {
	const maxRetries = 16
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
		MaxRetries:  aws.Int(maxRetries),
	})
	if err != nil {
		return nil, err
	}
	st := &S3{client: s3.New(sess), bucket: bucket}
	if n, err := st.getCounter(); err == nil {
		st.nextOID = n
	} else if !isNotFound(err) {
		return nil, err
	}
	return st, nil
}

func dataKey(oid wire.OID) string { return fmt.Sprintf("%016x.data", uint64(oid)) }
func metaKey(oid wire.OID) string { return fmt.Sprintf("%016x.meta", uint64(oid)) }

func isNotFound(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok {
		return rf.StatusCode() == http.StatusNotFound
	}
	return false
}

func (s *S3) getCounter() (uint64, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String("NEXTOID")})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()
	var n uint64
	b, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return 0, err
	}
	_, err = fmt.Sscanf(string(b), "%x", &n)
	return n, err
}

func (s *S3) putCounter() error {
	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String("NEXTOID"),
		Body:   bytes.NewReader([]byte(fmt.Sprintf("%x", s.nextOID))),
	})
	return err
}

func (s *S3) ReserveOID() (wire.OID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOID++
	if err := s.putCounter(); err != nil {
		return wire.NOOID, err
	}
	return wire.OID(s.nextOID), nil
}

func (s *S3) getMeta(oid wire.OID) (meta, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(metaKey(oid))})
	if err != nil {
		if isNotFound(err) {
			return meta{}, objclient.ErrNotFound
		}
		return meta{}, err
	}
	defer out.Body.Close()
	var m meta
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return meta{}, err
	}
	return m, nil
}

func (s *S3) putMeta(oid wire.OID, m meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metaKey(oid)),
		Body:   bytes.NewReader(b),
	})
	return err
}

func (s *S3) getData(oid wire.OID) ([]byte, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(dataKey(oid))})
	if err != nil {
		if isNotFound(err) {
			return nil, objclient.ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return ioutil.ReadAll(out.Body)
}

func (s *S3) putData(oid wire.OID, data []byte) error {
	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dataKey(oid)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3) Create(oid wire.OID, mode uint32, ctime uint32, uid, gid, ext string) error {
	if err := s.putData(oid, nil); err != nil {
		return err
	}
	return s.putMeta(oid, meta{Mode: mode, Ctime: ctime, Mtime: ctime, Uid: uid, Gid: gid, Ext: ext})
}

func (s *S3) Clone(old, new wire.OID) error {
	data, err := s.getData(old)
	if err != nil {
		return err
	}
	m, err := s.getMeta(old)
	if err != nil {
		return err
	}
	if err := s.putData(new, data); err != nil {
		return err
	}
	return s.putMeta(new, m)
}

func (s *S3) Read(oid wire.OID, _ uint32, off int64, n int) ([]byte, error) {
	data, err := s.getData(oid)
	if err != nil {
		return nil, err
	}
	if off >= int64(len(data)) {
		return nil, nil
	}
	end := off + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end], nil
}

func (s *S3) Write(oid wire.OID, mtime uint32, off int64, buf []byte) (int, error) {
	data, err := s.getData(oid)
	if err != nil {
		return 0, err
	}
	end := off + int64(len(buf))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:end], buf)
	if err := s.putData(oid, data); err != nil {
		return 0, err
	}
	m, err := s.getMeta(oid)
	if err != nil {
		return 0, err
	}
	m.Mtime = mtime
	m.Length = int64(len(data))
	if err := s.putMeta(oid, m); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *S3) Stat(oid wire.OID, name string) (wire.StatRecord, error) {
	m, err := s.getMeta(oid)
	if err != nil {
		return wire.StatRecord{}, err
	}
	return wire.StatRecord{
		Mode:      m.Mode,
		Atime:     m.Mtime,
		Mtime:     m.Mtime,
		Length:    uint64(m.Length),
		Name:      name,
		Uid:       m.Uid,
		Gid:       m.Gid,
		Muid:      m.Uid,
		Extension: m.Ext,
	}, nil
}

func (s *S3) Wstat(oid wire.OID, delta wire.StatRecord) error {
	m, err := s.getMeta(oid)
	if err != nil {
		return err
	}
	if delta.Mode != 0 {
		m.Mode = delta.Mode
	}
	if delta.Uid != "" {
		m.Uid = delta.Uid
	}
	if delta.Gid != "" {
		m.Gid = delta.Gid
	}
	if delta.Mtime != 0 {
		m.Mtime = delta.Mtime
	}
	return s.putMeta(oid, m)
}

func (s *S3) Truncate(oid wire.OID, mtime uint32, size uint64) error {
	data, err := s.getData(oid)
	if err != nil {
		return err
	}
	if uint64(len(data)) != size {
		resized := make([]byte, size)
		copy(resized, data)
		data = resized
	}
	if err := s.putData(oid, data); err != nil {
		return err
	}
	m, err := s.getMeta(oid)
	if err != nil {
		return err
	}
	m.Mtime = mtime
	m.Length = int64(size)
	return s.putMeta(oid, m)
}

func (s *S3) Delete(oid wire.OID) error {
	if _, err := s.client.DeleteObject(&s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(dataKey(oid))}); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(metaKey(oid))})
	return err
}

func (s *S3) PrimeCache(wire.OID) error { return nil }
