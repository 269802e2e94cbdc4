package location

import (
	"io"

	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// Server implements the DriverLocationServer interface.
type Server struct {
	observer *StreamObserver
}

// NewServer constructs a server.
func NewServer(observer *StreamObserver) *Server {
	return &Server{observer: observer}
}

// StreamPositions ingests driver position reports and updates the observer.
// Malformed driver ids are skipped rather than killing the stream.
func (s *Server) StreamPositions(stream DriverLocation_StreamPositionsServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		driverID, err := uuid.Parse(msg.DriverId)
		if err != nil {
			continue
		}
		s.observer.Update(stream.Context(), driverID, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}, msg.Speed, msg.Accuracy)
	}
}
