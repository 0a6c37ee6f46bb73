package issuer

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONRenderer produces a canonical JSON certificate payload. Document and
// QR rendering are collaborator concerns; the ledger only needs stable bytes
// to digest.
type JSONRenderer struct{}

// Render marshals the fields with a fixed key order so the same input always
// hashes to the same ledger key.
func (JSONRenderer) Render(_ context.Context, fields Fields) ([]byte, error) {
	payload := struct {
		Kind        string `json:"kind"`
		StudentName string `json:"studentName"`
		Email       string `json:"email"`
		RollNo      string `json:"rollNo"`
		CourseName  string `json:"courseName"`
		Score       string `json:"score,omitempty"`
		IssuedBy    string `json:"issuedBy,omitempty"`
	}{
		Kind:        "certificate",
		StudentName: fields.StudentName,
		Email:       fields.Email,
		RollNo:      fields.RollNo,
		CourseName:  fields.CourseName,
		Score:       fields.Score,
		IssuedBy:    fields.IssuedBy,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("issuer: marshal payload: %w", err)
	}
	return data, nil
}
