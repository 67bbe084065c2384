/*Package registry implements the node and sensor registry.

The registry tracks measurement nodes, the sensors attached to them,
and the attachment history between the two. Nodes and sensors carry an
optional serial number which is unique across their kind when present.
Attachments are an append-only relation; a sensor's current node is the
node of its most recently created association.

The package separates three concerns:

  - the data model and error taxonomy (models.go, errors.go)
  - the Store contract with a postgres and an in-memory implementation
  - the Service, which orchestrates validation, identifier assignment,
    duplicate rejection, partial updates and attachment, and emits
    best-effort lifecycle events

Stores are handed to the service at construction. All operations take a
context, every store write is atomic, and the service itself keeps no
state between calls.
*/
package registry
