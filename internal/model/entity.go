// Package model defines the domain types shared by the mapper, scorer, store, and API.
package model

import (
	"github.com/twpayne/go-geom"
)

// Entity is a municipality as seeded from reference data.
type Entity struct {
	ID             string   `json:"id" yaml:"id" validate:"required,max=16"`
	Name           string   `json:"name" yaml:"name" validate:"required"`
	Province       string   `json:"province" yaml:"province" validate:"required"`
	Population     *float64 `json:"population,omitempty" yaml:"population" validate:"omitempty,finite,gte=0"`
	Classification *string  `json:"classification,omitempty" yaml:"classification"`
	DistrictID     *string  `json:"district_id,omitempty" yaml:"district_id"`
	DistrictName   *string  `json:"district_name,omitempty" yaml:"district_name"`
	Address        *string  `json:"address,omitempty" yaml:"address"`
	Phone          *string  `json:"phone,omitempty" yaml:"phone"`
	Website        *string  `json:"website,omitempty" yaml:"website" validate:"omitempty,url"`
}

// EntitySummary is one row of the map listing: the entity, its most recent
// overall score, and its boundary when one was loaded.
type EntitySummary struct {
	Entity      Entity
	LatestScore *float64
	LatestYear  *int
	Geometry    geom.T
}

// Boundary associates a municipal boundary polygon with an entity.
type Boundary struct {
	EntityID string
	Geometry geom.T
}
