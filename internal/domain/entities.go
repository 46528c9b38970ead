package domain

import (
	"strconv"
	"time"
)

// ReviewID identifies a review for its whole lifetime. IDs come from a
// durable sequence and are never reused, zero is never assigned.
type ReviewID uint64

func (id ReviewID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseReviewID parses the decimal form produced by String.
func ParseReviewID(s string) (ReviewID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ReviewID(v), nil
}

// Vector is an embedding of the process-wide configured dimension.
type Vector []float32

type Metadata struct {
	ProductID string `json:"product_id" msgpack:"p"`
	Rating    int    `json:"rating" msgpack:"r"`
}

// ReviewRecord is the unit owned by the record store. Partitions only hold
// the ID.
type ReviewRecord struct {
	ID         ReviewID  `json:"id" msgpack:"id"`
	Vector     Vector    `json:"vector" msgpack:"v"`
	Metadata   Metadata  `json:"metadata" msgpack:"m"`
	InsertedAt time.Time `json:"inserted_at" msgpack:"t"`
	Version    uint32    `json:"version" msgpack:"ver"`
}

type ScoredReview struct {
	ID       ReviewID `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// BatchItem is one input of a bulk insert.
type BatchItem struct {
	Vector   Vector
	Metadata Metadata
}

// BatchResult is positionally aligned with the BatchItem it answers. Err is
// the error sentinel for a failed position; ID is zero in that case.
type BatchResult struct {
	ID  ReviewID
	Err error
}

// OK reports whether the item was committed.
func (r BatchResult) OK() bool {
	return r.Err == nil
}

// Review is the ingestion payload of the outer surfaces.
type Review struct {
	Title     string `json:"review_title"`
	Body      string `json:"review_body"`
	ProductID string `json:"product_id"`
	Rating    int    `json:"review_rating"`
}

// Text is what gets embedded.
func (r Review) Text() string {
	switch {
	case r.Title == "":
		return r.Body
	case r.Body == "":
		return r.Title
	default:
		return r.Title + " " + r.Body
	}
}

func (r Review) Metadata() Metadata {
	return Metadata{ProductID: r.ProductID, Rating: r.Rating}
}

type Stats struct {
	Records        int     `json:"records"`
	Partitions     int     `json:"partitions"`
	AvgPartition   float64 `json:"avg_partition_size"`
	LargestSize    int     `json:"largest_partition_size"`
	Splits         uint64  `json:"splits"`
	Merges         uint64  `json:"merges"`
	Reassigned     uint64  `json:"reassigned"`
	PendingFixups  int     `json:"pending_fixups"`
	ForegroundLoad int64   `json:"foreground_load"`
}
