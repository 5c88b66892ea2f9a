// Package taxonomy classifies crawl failures and records them as immutable
// error records.
//
// Every failure maps to exactly one (Category, Reason) pair. Reason codes are
// small stable integers grouped by category: network 101-103, parsing
// 201-202, response 301-304, scraper configuration 401-402, general 501.
package taxonomy

import "fmt"

// Category groups related failure reasons.
type Category string

// Failure categories.
const (
	CategoryNetwork  Category = "Network Error"
	CategoryParsing  Category = "Parsing Error"
	CategoryResponse Category = "Response Error"
	CategoryScraper  Category = "Scraper Error"
	CategoryGeneral  Category = "General Error"
)

// Categories lists every category in code order.
var Categories = []Category{
	CategoryNetwork,
	CategoryParsing,
	CategoryResponse,
	CategoryScraper,
	CategoryGeneral,
}

// Reason is a stable numeric failure code.
type Reason int

// Failure reasons.
const (
	ReasonDNSLookupFailure Reason = 101
	ReasonTimeout          Reason = 102
	ReasonConnectionError  Reason = 103

	ReasonMissingAttribute    Reason = 201
	ReasonUnexpectedStructure Reason = 202

	ReasonNotFound         Reason = 301
	ReasonServerError      Reason = 302
	ReasonInvalidResponse  Reason = 303
	ReasonUnexpectedStatus Reason = 304

	ReasonInvalidAPIKey Reason = 401
	ReasonQuotaExceeded Reason = 402

	ReasonUnknownError Reason = 501
)

var reasonNames = map[Reason]string{
	ReasonDNSLookupFailure:    "DNS_LOOKUP_FAILURE",
	ReasonTimeout:             "TIMEOUT",
	ReasonConnectionError:     "CONNECTION_ERROR",
	ReasonMissingAttribute:    "MISSING_ATTRIBUTE",
	ReasonUnexpectedStructure: "UNEXPECTED_STRUCTURE",
	ReasonNotFound:            "NOT_FOUND",
	ReasonServerError:         "SERVER_ERROR",
	ReasonInvalidResponse:     "INVALID_RESPONSE",
	ReasonUnexpectedStatus:    "UNEXPECTED_STATUS",
	ReasonInvalidAPIKey:       "INVALID_API_KEY",
	ReasonQuotaExceeded:       "QUOTA_EXCEEDED",
	ReasonUnknownError:        "UNKNOWN_ERROR",
}

// String returns the reason name used in records and error ids.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REASON_%d", int(r))
}

// Code returns the numeric reason code.
func (r Reason) Code() int {
	return int(r)
}

// Category returns the category a reason belongs to.
func (r Reason) Category() Category {
	switch r / 100 {
	case 1:
		return CategoryNetwork
	case 2:
		return CategoryParsing
	case 3:
		return CategoryResponse
	case 4:
		return CategoryScraper
	default:
		return CategoryGeneral
	}
}

// Classification is a (category, reason) pair.
type Classification struct {
	Category Category
	Reason   Reason
}

// Of returns the classification for reason.
func Of(reason Reason) Classification {
	return Classification{Category: reason.Category(), Reason: reason}
}

func (c Classification) String() string {
	return fmt.Sprintf("%s/%s", c.Category, c.Reason)
}

// FailureKind names a low-level transport failure reported by the fetch layer.
type FailureKind string

// Transport failure kinds.
const (
	FailureDNS        FailureKind = "dns"
	FailureTimeout    FailureKind = "timeout"
	FailureConnection FailureKind = "connection"
)

// ClassifyNetworkFailure maps a transport failure kind to a network reason.
// Unrecognized kinds map to ConnectionError.
func ClassifyNetworkFailure(kind FailureKind) Classification {
	switch kind {
	case FailureDNS:
		return Of(ReasonDNSLookupFailure)
	case FailureTimeout:
		return Of(ReasonTimeout)
	default:
		return Of(ReasonConnectionError)
	}
}

// ClassifyResponse classifies an HTTP status. ok is false exactly for 200.
func ClassifyResponse(status int) (c Classification, ok bool) {
	switch {
	case status == 200:
		return Classification{}, false
	case status == 404:
		return Of(ReasonNotFound), true
	case status >= 500:
		return Of(ReasonServerError), true
	default:
		return Of(ReasonUnexpectedStatus), true
	}
}
