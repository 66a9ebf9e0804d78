package file

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/format"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

const (
	docLogName   = "docs.log"
	metaName     = "meta"
	docLogVer    = 1
	indexMetaVer = 1

	// seekableFrameSize is the uncompressed frame size for sealed document logs.
	seekableFrameSize = 256 << 10
)

// zstdDec is a package-level decoder, concurrent-safe, always available for reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

func writeMeta(dir string, createdAt time.Time) error {
	buf := format.Header{Kind: format.IndexMeta, Version: indexMetaVer}.Append(make([]byte, 0, format.Size+8))
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt.UnixNano()))
	return writeFileAtomic(filepath.Join(dir, metaName), buf, 0o644)
}

func readMeta(dir string) (time.Time, error) {
	buf, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		return time.Time{}, err
	}
	if _, err := format.Parse(buf, format.IndexMeta, indexMetaVer); err != nil {
		return time.Time{}, fmt.Errorf("index meta: %w", err)
	}
	if len(buf) < format.Size+8 {
		return time.Time{}, fmt.Errorf("index meta: %w", io.ErrUnexpectedEOF)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(buf[format.Size:]))), nil
}

func createDocLog(dir string) error {
	hdr := format.Header{Kind: format.DocLog, Version: docLogVer}.Append(nil)
	return writeFileAtomic(filepath.Join(dir, docLogName), hdr, 0o644)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func readDocLogHeader(f *os.File) (format.Header, error) {
	return format.Read(f, format.DocLog, docLogVer)
}

// scanDocLog calls fn for every line of the document log at path,
// decompressing sealed logs transparently.
func scanDocLog(path string, fn func(line []byte) error) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h, err := readDocLogHeader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var body io.Reader = f
	if h.Flags.Has(format.Compressed) {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		section := io.NewSectionReader(f, format.Size, info.Size()-format.Size)
		r, err := seekable.NewReader(section, zstdDec)
		if err != nil {
			return fmt.Errorf("%s: open compressed body: %w", path, err)
		}
		defer func() { _ = r.Close() }()
		body = r
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func countDocs(path string) (int64, error) {
	var n int64
	err := scanDocLog(path, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func readDocs(path string) ([]map[string]any, error) {
	var docs []map[string]any
	err := scanDocLog(path, func(line []byte) error {
		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// isSealed reports whether the document log no longer accepts appends.
func isSealed(path string) (bool, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	h, err := readDocLogHeader(f)
	if err != nil {
		return false, err
	}
	return h.Flags.Has(format.Sealed), nil
}

// sealDocLog rewrites the document log with FlagSealed set and, when enc is
// non-nil, the body compressed as seekable zstd. The original is replaced
// via temp-file-then-rename.
func sealDocLog(path string, enc *zstd.Encoder) error {
	src, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	h, err := readDocLogHeader(src)
	if err != nil {
		return err
	}
	if h.Flags.Has(format.Sealed) {
		return nil
	}
	h.Flags |= format.Sealed
	if enc != nil {
		h.Flags |= format.Compressed
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".seal-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := h.Write(tmp); err != nil {
		cleanup()
		return err
	}

	if enc == nil {
		if _, err := io.Copy(tmp, src); err != nil {
			cleanup()
			return err
		}
	} else {
		sw, err := seekable.NewWriter(tmp, enc)
		if err != nil {
			cleanup()
			return err
		}
		buf := make([]byte, seekableFrameSize)
		for {
			n, err := io.ReadFull(src, buf)
			if n > 0 {
				if _, werr := sw.Write(buf[:n]); werr != nil {
					cleanup()
					return werr
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				cleanup()
				return err
			}
		}
		if err := sw.Close(); err != nil {
			cleanup()
			return err
		}
	}

	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func marshalDoc(doc map[string]any) ([]byte, error) {
	line, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return append(line, '\n'), nil
}
