// Package appdata defines the synchronized classroom dataset and the merge
// engine that reconciles two snapshots of it.
package appdata

import "github.com/classpair/classpair/internal/protocol"

// Student is one roster entry. Identified by a stable opaque id.
type Student struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Class owns an ordered student roster.
type Class struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	CreatedAt int64     `json:"createdAt"`
	Students  []Student `json:"students"`
}

// Participation records one rated contribution of a student in a class.
// Records are identified only by id; two records with identical content but
// different ids are distinct.
type Participation struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`
	ClassID   string `json:"classId"`
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	Rating    int    `json:"rating"`
	CreatedAt int64  `json:"createdAt"`
}

// Snapshot is the full synchronized dataset.
type Snapshot struct {
	Classes        []Class         `json:"classes"`
	Participations []Participation `json:"participations"`
}

// Stats returns dataset counts for the first-sync exchange.
func (s *Snapshot) Stats() protocol.DataStats {
	students := 0
	for _, c := range s.Classes {
		students += len(c.Students)
	}
	return protocol.DataStats{
		Classes:        len(s.Classes),
		Students:       students,
		Participations: len(s.Participations),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Classes:        make([]Class, len(s.Classes)),
		Participations: append([]Participation(nil), s.Participations...),
	}
	for i, c := range s.Classes {
		c.Students = append([]Student(nil), c.Students...)
		out.Classes[i] = c
	}
	return out
}
