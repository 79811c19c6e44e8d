// Package capture drives a camera for live preview.
//
// # Philosophy
//
// "Capture never waits for render."
//
// A Session owns the camera for as long as the preview is visible. Its
// capture goroutine takes the newest image from the device, copies the YUV
// planes once, runs the transform gateway and publishes the result. Frames
// the display cannot keep up with are simply never rendered.
//
//	Driver.Open → Device.Configure → ImageReader ──Available──▶ capture goroutine
//	                                                              │ AcquireLatest
//	                                                              │ copy planes
//	                                                              │ Gateway.Transform
//	                                                              ▼
//	                                                  Publisher.Publish + RequestRedraw
//
// # Error Policy
//
//   - ErrDeviceNotFound: Start fails, session stays Closed
//   - ErrDeviceError / ErrConfigurationFailed: Error → Closed, returned from Start
//   - Device loss while active: Error → Closed, WithFatalHandler notified once
//   - Per-frame failures (FrameError): logged at debug, counted in Stats, dropped
//
// # Basic Usage
//
//	broker := framebroker.New()
//	sess, err := capture.NewSession(driver, transform.NewSoftware(), broker,
//	    capture.DefaultConfig(),
//	    capture.WithRedrawer(surface),
//	    capture.WithRegionProvider(zoomCtl),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := sess.Start(ctx); err != nil {
//	    return err
//	}
//	defer sess.Stop()
//
// Drivers live in capture/gstreamer (real cameras) and capture/synthetic
// (test pattern).
package capture
