package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sensornet-io/sensornet/core/csql"
	"github.com/sensornet-io/sensornet/core/logger"
	"github.com/sensornet-io/sensornet/core/metrics"
	"github.com/sensornet-io/sensornet/events"
	"github.com/sensornet-io/sensornet/registry"
	"github.com/sensornet-io/sensornet/rest"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=sensornet" description:"the database schema"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka brokers for lifecycle events"`
	MQTTBroker       string `env:"MQTT_BROKER,default=" description:"MQTT broker URL for lifecycle events"`
	Port             string `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	serviceMetrics := metrics.New()

	notifier := events.NewNotifier()
	notifier.Metrics = serviceMetrics
	if len(service.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(strings.Split(service.KafkaBrokers, ","))
		defer kafkaPublisher.Close()
		notifier.Publishers = append(notifier.Publishers, kafkaPublisher)
		rlog.Infoln("publishing lifecycle events to kafka:", service.KafkaBrokers)
	}
	if len(service.MQTTBroker) > 0 {
		mqttPublisher, err := events.ConnectMQTT(service.MQTTBroker, "sensornet-registry")
		if err != nil {
			rlog.WithError(err).Fatalln("cannot connect to mqtt broker")
		}
		defer mqttPublisher.Close()
		notifier.Publishers = append(notifier.Publishers, mqttPublisher)
		rlog.Infoln("publishing lifecycle events to mqtt:", service.MQTTBroker)
	}

	registryService := registry.NewService(&registry.Builder{
		Store:    registry.MustNewPostgresStore(db),
		Notifier: notifier,
		Metrics:  serviceMetrics,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	serviceMetrics.InstrumentRoutes(router)
	rest.MustNewAPI(&rest.Builder{
		Service: registryService,
		Router:  router,
	})
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := handlers.CompressHandler(handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(router))

	rlog.Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, handler); err != nil {
		rlog.WithError(err).Fatalln("server error")
	}
}
