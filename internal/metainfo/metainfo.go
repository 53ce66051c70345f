// Package metainfo parses the subset of a bencoded .torrent file the piece
// manager needs: the piece digests, the uniform piece length, and the total
// payload length. Tracker announce URLs and multi-file layouts are parsed
// when present but are otherwise the tracker/filesystem collaborators'
// concern, not this package's.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/nnyan/burrow/internal/bencode"
)

// Info is the bencoded "info" dictionary, trimmed to the fields a flat piece
// map is built from. Multi-file torrents are parsed (Files is populated) but
// PieceMap construction (internal/pieces) only supports single-file layouts,
// per spec non-goal.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Length      int64   // single-file layout; 0 when Files is set
	Files       []*File // multi-file layout; nil for single-file torrents
}

type File struct {
	Length int64
	Path   []string
}

// Metainfo is a parsed .torrent file.
type Metainfo struct {
	Info     *Info
	Announce string
	InfoHash [sha1.Size]byte
}

var (
	ErrTopLevelNotDict  = errors.New("metainfo: top-level is not a dict")
	ErrInfoMissing      = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict      = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing      = errors.New("metainfo: 'info' name missing")
	ErrPieceLenInvalid  = errors.New("metainfo: 'info' piece length missing or non-positive")
	ErrPiecesMissing    = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid    = errors.New("metainfo: invalid single/multi-file layout")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported by the piece map (non-goal)")
)

// IsSingleFile reports whether Info describes a single-file layout — the
// only layout internal/pieces.NewPieceMap accepts.
func (i *Info) IsSingleFile() bool { return i.Files == nil }

// Size returns the torrent's total payload length in bytes.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 || m.Info.IsSingleFile() {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// Parse decodes a bencoded .torrent file.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, _ := toString(root["announce"])

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	encoded, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding 'info' for hash: %w", err)
	}

	return &Metainfo{
		Info:     info,
		Announce: announce,
		InfoHash: sha1.Sum(encoded),
	}, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var out Info

	name, err := toString(dict["name"])
	if err != nil || name == "" {
		return nil, ErrNameMissing
	}
	out.Name = name

	plen, err := toInt(dict["piece length"])
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenInvalid
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}

	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		ln, err := toInt(m["length"])
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		segments, err := toStringSlice(m["path"])
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("not a string")
	}
}

func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("not a byte string")
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("not an int")
	}
}

func toStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := toString(e)
		if err != nil {
			return nil, fmt.Errorf("elem %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
