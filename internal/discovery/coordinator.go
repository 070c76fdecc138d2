// Package discovery drives proximity discovery: it resubscribes when the
// viewed sector changes, feeds relay events through the codec into the store,
// publishes the user's own check-ins and runs topic scans.
package discovery

import (
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/geo"
)

// RequestFunc receives the cells to subscribe to.
type RequestFunc func(cells []string)

// Coordinator debounces resubscription to once per sector crossing. It is
// not safe for concurrent use; Service serialises access to it.
type Coordinator struct {
	precision int
	last      string
	request   RequestFunc
}

// NewCoordinator returns a coordinator at discovery precision.
func NewCoordinator(request RequestFunc) *Coordinator {
	return &Coordinator{precision: geo.DiscoveryPrecision, request: request}
}

// OnViewportChange requests a subscription for the 9-cell block around center
// unless center is still in the last subscribed sector. It reports whether a
// request was issued.
func (c *Coordinator) OnViewportChange(center orb.Point) (bool, error) {
	cell, err := geo.EncodePoint(center, c.precision)
	if err != nil {
		log.WithError(err).WithField("center", center).Warn("ignoring viewport outside valid coordinates")
		return false, err
	}
	if cell == c.last {
		return false, nil
	}
	cells, err := geo.SearchCells(cell)
	if err != nil {
		return false, err
	}
	c.last = cell
	log.WithFields(log.Fields{"cell": cell, "cells": len(cells)}).Debug("sector changed, resubscribing")
	if c.request != nil {
		c.request(cells)
	}
	return true, nil
}

// LastSubscribedCell returns the current sector, or "" before the first request.
func (c *Coordinator) LastSubscribedCell() string { return c.last }

// Reset forgets the current sector so the next viewport change resubscribes.
func (c *Coordinator) Reset() { c.last = "" }
