package retrieval

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/AGIHouse/openscience/model"
)

// searchToken continues a search at Offset within the ranking identified by Query.
type searchToken struct {
	Scheme string `json:"s"`
	K      int    `json:"k"`
	Offset int    `json:"o"`
	Query  string `json:"q"`
}

// passagesToken continues a passage listing.
type passagesToken struct {
	PaperID  string         `json:"p"`
	Strategy model.Strategy `json:"st"`
	Offset   int            `json:"o"`
}

func encodeToken(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return model.Invalid("page_token", "malformed token")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.Invalid("page_token", "malformed token")
	}
	return nil
}

// fingerprint identifies the ranking a search request produces.
func fingerprint(req SearchRequest) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.Scheme)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(req.K))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(req.EF))
	_, _ = h.Write(buf[:])
	if req.Exact {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	for _, f := range req.Vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = h.Write(buf[:4])
	}
	filter, _ := json.Marshal(req.Filter.Normalized())
	_, _ = h.Write(filter)
	return strconv.FormatUint(h.Sum64(), 16)
}
