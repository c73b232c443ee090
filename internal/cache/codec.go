package cache

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec 负责条目的序列化，磁盘、SQLite 与内存层共用。
type Codec interface {
	Name() string
	Encode(key Key, entry Entry) ([]byte, error)
	Decode(data []byte) (Key, Entry, error)
}

// record 是落盘格式，Key 一并保存，用于读取时校验哈希冲突。
type record struct {
	Method   string              `msgpack:"m" cbor:"1,keyasint"`
	URL      string              `msgpack:"u" cbor:"2,keyasint"`
	Status   int                 `msgpack:"s" cbor:"3,keyasint"`
	Header   map[string][]string `msgpack:"h" cbor:"4,keyasint"`
	Body     []byte              `msgpack:"b" cbor:"5,keyasint"`
	StoredAt int64               `msgpack:"t" cbor:"6,keyasint"`
}

func toRecord(key Key, entry Entry) record {
	return record{
		Method:   strings.ToUpper(key.Method),
		URL:      key.URL,
		Status:   entry.Status,
		Header:   map[string][]string(entry.Header),
		Body:     entry.Body,
		StoredAt: entry.StoredAt.UnixNano(),
	}
}

func (r record) split() (Key, Entry) {
	header := http.Header(r.Header)
	if header == nil {
		header = http.Header{}
	}
	entry := Entry{
		Status: r.Status,
		Header: header,
		Body:   r.Body,
	}
	if r.StoredAt != 0 {
		entry.StoredAt = time.Unix(0, r.StoredAt).UTC()
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	return Key{Method: r.Method, URL: r.URL}, entry
}

// NewCodec 按名称返回编解码器，空名称默认 msgpack。
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return msgpackCodec{}, nil
	case "cbor":
		enc, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("cbor enc mode: %w", err)
		}
		dec, err := (cbor.DecOptions{}).DecMode()
		if err != nil {
			return nil, fmt.Errorf("cbor dec mode: %w", err)
		}
		return cborCodec{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported entry codec: %s", name)
	}
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(key Key, entry Entry) ([]byte, error) {
	return msgpack.Marshal(toRecord(key, entry))
}

func (msgpackCodec) Decode(data []byte) (Key, Entry, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Key{}, Entry{}, fmt.Errorf("decode msgpack entry: %w", err)
	}
	key, entry := rec.split()
	return key, entry, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Encode(key Key, entry Entry) ([]byte, error) {
	return c.enc.Marshal(toRecord(key, entry))
}

func (c cborCodec) Decode(data []byte) (Key, Entry, error) {
	var rec record
	if err := c.dec.Unmarshal(data, &rec); err != nil {
		return Key{}, Entry{}, fmt.Errorf("decode cbor entry: %w", err)
	}
	key, entry := rec.split()
	return key, entry, nil
}
