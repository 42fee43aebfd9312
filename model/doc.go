// Package model defines the shared value types of the sketch engine:
// element types, dataset metadata, sentinel tags and the distance items
// exchanged between node workers and the dataset coordinator.
package model
