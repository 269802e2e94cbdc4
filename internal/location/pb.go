package location

import "google.golang.org/grpc"

// DriverPosition is one streamed position report.
type DriverPosition struct {
	DriverId string
	Lat      float64
	Lng      float64
	Speed    float64
	Accuracy float64
	Ts       int64
}

// Ack is returned when the stream closes.
type Ack struct{}

// DriverLocationServer defines the gRPC contract.
type DriverLocationServer interface {
	StreamPositions(DriverLocation_StreamPositionsServer) error
}

// RegisterDriverLocationServer registers the service implementation.
func RegisterDriverLocationServer(s *grpc.Server, srv DriverLocationServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "dispatch.DriverLocation",
		HandlerType: (*DriverLocationServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamPositions",
			Handler:       _DriverLocation_StreamPositions_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// DriverLocation_StreamPositionsServer defines the bidi stream interface.
type DriverLocation_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverPosition, error)
}

func _DriverLocation_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DriverLocationServer).StreamPositions(&positionStreamServer{ServerStream: stream})
}

type positionStreamServer struct {
	grpc.ServerStream
}

func (s *positionStreamServer) SendAndClose(*Ack) error { return nil }

func (s *positionStreamServer) Recv() (*DriverPosition, error) {
	msg := new(DriverPosition)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
